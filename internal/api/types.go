package api

import (
	"time"

	"github.com/samcharles93/kerneltune/internal/tuner"
)

// Status is the lifecycle state of a tuning.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress counts the configurations handled so far.
type Progress struct {
	SpaceSize   int `json:"space_size"`
	Benchmarked int `json:"benchmarked"`
	Skipped     int `json:"skipped"`
}

type Tuning struct {
	ID          string        `json:"id"`
	Object      string        `json:"object"`
	Kernel      string        `json:"kernel"`
	Status      Status        `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Progress    Progress      `json:"progress"`
	Error       string        `json:"error,omitempty"`
	Report      *tuner.Report `json:"report,omitempty"`
}

type TuningList struct {
	Object string   `json:"object"`
	Data   []Tuning `json:"data"`
}

type CreateTuningResp struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

type ErrorBody struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
}
