package tuner

import (
	"cmp"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/space"
)

// SkipReason classifies a configuration that produced no timing.
type SkipReason string

const (
	SkipDevice    SkipReason = "restricted-by-device"
	SkipCompile   SkipReason = "compile"
	SkipIncorrect SkipReason = "incorrect"
	SkipRuntime   SkipReason = "runtime"
)

// Result is a benchmarked configuration.
type Result struct {
	// Seq is the position of the configuration among the valid ones.
	Seq      int
	Config   space.Config
	Kernel   string
	Geometry kernel.Geometry
	// Time is the reduced run time in milliseconds.
	Time  float64
	Times []float64
}

// Skip is a configuration that was dropped.
type Skip struct {
	Seq      int
	Config   space.Config
	Kernel   string
	Geometry kernel.Geometry
	Reason   SkipReason
	Detail   string
	Err      error
}

// Message is the human readable cause of the skip.
func (s Skip) Message() string {
	switch {
	case s.Err != nil && s.Detail != "":
		return s.Detail + ": " + s.Err.Error()
	case s.Err != nil:
		return s.Err.Error()
	default:
		return s.Detail
	}
}

// Report aggregates the outcome of a tuning run. Results and Skips are in
// enumeration order.
type Report struct {
	KernelName string
	Backend    string
	Device     string
	Params     []string
	SpaceSize  int
	Results    []Result
	Skips      []Skip
	// Partial is set when the run stopped before every valid configuration
	// was evaluated; StopReason says why.
	Partial    bool
	StopReason string
	Started    time.Time
	Elapsed    time.Duration
}

func newReport(job Job, b backend.Backend) *Report {
	return &Report{
		KernelName: job.KernelName,
		Backend:    b.Name(),
		Device:     b.Info().Name,
		Params:     job.Space.Names(),
		SpaceSize:  job.Space.Size(),
		Started:    time.Now(),
	}
}

func (r *Report) add(ev Event) {
	if ev.Result != nil {
		r.Results = append(r.Results, *ev.Result)
	}
	if ev.Skip != nil {
		r.Skips = append(r.Skips, *ev.Skip)
	}
}

func (r *Report) finish(stopReason string) {
	slices.SortFunc(r.Results, func(a, b Result) int { return cmp.Compare(a.Seq, b.Seq) })
	slices.SortFunc(r.Skips, func(a, b Skip) int { return cmp.Compare(a.Seq, b.Seq) })
	r.StopReason = stopReason
	r.Partial = stopReason != ""
	r.Elapsed = time.Since(r.Started)
}

// Evaluated is the number of configurations that produced a result or a skip.
func (r *Report) Evaluated() int { return len(r.Results) + len(r.Skips) }

// Best returns the fastest result. Ties go to the configuration enumerated
// first.
func (r *Report) Best() (Result, bool) {
	if len(r.Results) == 0 {
		return Result{}, false
	}
	best := r.Results[0]
	for _, res := range r.Results[1:] {
		if res.Time < best.Time {
			best = res
		}
	}
	return best, true
}

// SkipsBy counts the skips with reason.
func (r *Report) SkipsBy(reason SkipReason) int {
	n := 0
	for _, s := range r.Skips {
		if s.Reason == reason {
			n++
		}
	}
	return n
}

// WriteCSV writes one row per result: the parameter values in space order,
// the time in milliseconds and the variant name.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append(slices.Clone(r.Params), "time", "kernel")
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, res := range r.Results {
		row := make([]string, 0, len(header))
		for _, v := range res.Config.Values() {
			row = append(row, v.String())
		}
		row = append(row, strconv.FormatFloat(res.Time, 'g', -1, 64), res.Kernel)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTable writes an aligned summary for terminals.
func (r *Report) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range r.Params {
		fmt.Fprintf(tw, "%s\t", p)
	}
	fmt.Fprintln(tw, "time (ms)\tblock\tgrid\t")
	for _, res := range r.Results {
		WriteRow(tw, res)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d of %d configurations benchmarked", len(r.Results), r.SpaceSize)
	if len(r.Skips) > 0 {
		fmt.Fprintf(w, ", %d skipped (", len(r.Skips))
		first := true
		for _, reason := range []SkipReason{SkipDevice, SkipCompile, SkipIncorrect, SkipRuntime} {
			if n := r.SkipsBy(reason); n > 0 {
				if !first {
					fmt.Fprint(w, ", ")
				}
				fmt.Fprintf(w, "%s: %d", reason, n)
				first = false
			}
		}
		fmt.Fprint(w, ")")
	}
	fmt.Fprintln(w)
	if r.Partial {
		fmt.Fprintf(w, "stopped early: %s\n", r.StopReason)
	}
	if best, ok := r.Best(); ok {
		fmt.Fprintf(w, "best: %s %s %.6g ms\n", best.Kernel, best.Config, best.Time)
	}
	return nil
}

// WriteRow writes a single result as a tab separated table row.
func WriteRow(w io.Writer, res Result) {
	for _, v := range res.Config.Values() {
		fmt.Fprintf(w, "%s\t", v)
	}
	fmt.Fprintf(w, "%.6g\t%s\t%s\t\n", res.Time, res.Geometry.Block, res.Geometry.Grid)
}

type resultJSON struct {
	Config space.Config `json:"config"`
	Kernel string       `json:"kernel"`
	TimeMS float64      `json:"time_ms"`
	Trials []float64    `json:"trials_ms"`
	Block  kernel.Dim3  `json:"block"`
	Grid   []int        `json:"grid"`
}

type skipJSON struct {
	Config space.Config `json:"config"`
	Kernel string       `json:"kernel"`
	Reason SkipReason   `json:"reason"`
	Error  string       `json:"error,omitempty"`
}

type reportJSON struct {
	Kernel     string       `json:"kernel"`
	Backend    string       `json:"backend"`
	Device     string       `json:"device"`
	Params     []string     `json:"params"`
	SpaceSize  int          `json:"space_size"`
	Best       *resultJSON  `json:"best,omitempty"`
	Results    []resultJSON `json:"results"`
	Skips      []skipJSON   `json:"skips"`
	Partial    bool         `json:"partial"`
	StopReason string       `json:"stop_reason,omitempty"`
	Started    time.Time    `json:"started"`
	ElapsedMS  int64        `json:"elapsed_ms"`
}

func toJSON(res Result) resultJSON {
	return resultJSON{
		Config: res.Config,
		Kernel: res.Kernel,
		TimeMS: res.Time,
		Trials: res.Times,
		Block:  res.Geometry.Block,
		Grid:   res.Geometry.GridSize(),
	}
}

func (r *Report) MarshalJSON() ([]byte, error) {
	out := reportJSON{
		Kernel:     r.KernelName,
		Backend:    r.Backend,
		Device:     r.Device,
		Params:     r.Params,
		SpaceSize:  r.SpaceSize,
		Results:    make([]resultJSON, 0, len(r.Results)),
		Skips:      make([]skipJSON, 0, len(r.Skips)),
		Partial:    r.Partial,
		StopReason: r.StopReason,
		Started:    r.Started,
		ElapsedMS:  r.Elapsed.Milliseconds(),
	}
	if best, ok := r.Best(); ok {
		b := toJSON(best)
		out.Best = &b
	}
	for _, res := range r.Results {
		out.Results = append(out.Results, toJSON(res))
	}
	for _, s := range r.Skips {
		out.Skips = append(out.Skips, skipJSON{Config: s.Config, Kernel: s.Kernel, Reason: s.Reason, Error: s.Message()})
	}
	return json.Marshal(out)
}
