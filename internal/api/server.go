// Package api serves tuning jobs over HTTP. Jobs are queued and run one at a
// time on the server's backend; reports stay in memory.
package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/kerneltune/internal/job"
	"github.com/samcharles93/kerneltune/internal/version"
)

// maxJobBytes bounds request bodies; argument data is generated server side.
const maxJobBytes = 8 << 20

type Server struct {
	service  *TuningService
	gatherer prometheus.Gatherer
}

// NewServer wires the HTTP surface of service. Metrics are served from
// gatherer, or the default registry when nil.
func NewServer(service *TuningService, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{service: service, gatherer: gatherer}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	e.POST("/v1/tunings", s.handleCreateTuning)
	e.GET("/v1/tunings", s.handleListTunings)
	e.GET("/v1/tunings/:id", s.handleGetTuning)
	e.GET("/v1/tunings/:id/report.csv", s.handleReportCSV)
	e.POST("/v1/tunings/:id/cancel", s.handleCancelTuning)
}

func (s *Server) handleHealth(c *echo.Context) error {
	b := s.service.b
	info := b.Info()
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"backend": b.Name(),
		"device":  info.Name,
		"version": version.Resolve(),
	})
}

func (s *Server) handleCreateTuning(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxJobBytes+1))
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(body) > maxJobBytes {
		return writeError(c, http.StatusRequestEntityTooLarge, "invalid_request_error", "job exceeds 8 MiB")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return writeBadRequest(c, "job is required")
	}
	spec, err := job.ParseJSON(body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	t, err := s.service.Submit(spec)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return writeBadRequest(c, err.Error())
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return c.JSON(http.StatusAccepted, CreateTuningResp{ID: t.ID, Status: t.Status})
}

func (s *Server) handleListTunings(c *echo.Context) error {
	return c.JSON(http.StatusOK, TuningList{Object: "list", Data: s.service.store.List()})
}

func (s *Server) handleGetTuning(c *echo.Context) error {
	t, ok := s.service.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "tuning not found")
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleReportCSV(c *echo.Context) error {
	t, ok := s.service.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "tuning not found")
	}
	if t.Report == nil {
		return writeError(c, http.StatusConflict, "not_ready_error", "tuning has no report yet (status "+string(t.Status)+")")
	}
	var buf bytes.Buffer
	if err := t.Report.WriteCSV(&buf); err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func (s *Server) handleCancelTuning(c *echo.Context) error {
	t, err := s.service.Cancel(c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		return writeNotFound(c, "tuning not found")
	case errors.Is(err, ErrFinished):
		return writeError(c, http.StatusConflict, "conflict_error", "tuning already "+string(t.Status))
	case err != nil:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return c.JSON(http.StatusOK, t)
}
