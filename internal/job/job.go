// Package job reads tuning job descriptions from YAML or JSON files and turns
// them into tuner jobs.
package job

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kerneltune/internal/args"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/space"
	"github.com/samcharles93/kerneltune/internal/tuner"
	"github.com/samcharles93/kerneltune/internal/verify"
)

// Spec is the file form of a tuning job.
type Spec struct {
	Kernel       string            `yaml:"kernel" json:"kernel"`
	Source       string            `yaml:"source,omitempty" json:"source,omitempty"`
	SourceInline string            `yaml:"source_inline,omitempty" json:"source_inline,omitempty"`
	ProblemSize  []any             `yaml:"problem_size" json:"problem_size"`
	GridDivX     []string          `yaml:"grid_div_x,omitempty" json:"grid_div_x,omitempty"`
	GridDivY     []string          `yaml:"grid_div_y,omitempty" json:"grid_div_y,omitempty"`
	GridDivZ     []string          `yaml:"grid_div_z,omitempty" json:"grid_div_z,omitempty"`
	Params       Params            `yaml:"params" json:"params"`
	Restrictions []string          `yaml:"restrictions,omitempty" json:"restrictions,omitempty"`
	Args         []Arg             `yaml:"args" json:"args"`
	Answer       []Answer          `yaml:"answer,omitempty" json:"answer,omitempty"`
	Tolerance    *verify.Tolerance `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	Iterations   int               `yaml:"iterations,omitempty" json:"iterations,omitempty"`
	MaxConfigs   int               `yaml:"max_configs,omitempty" json:"max_configs,omitempty"`
	TimeBudget   Duration          `yaml:"time_budget,omitempty" json:"time_budget,omitempty"`
	TrialPolicy  string            `yaml:"trial_policy,omitempty" json:"trial_policy,omitempty"`

	// BaseDir resolves relative file references. Load sets it to the
	// directory of the job file.
	BaseDir string `yaml:"-" json:"-"`
	// Log receives restriction evaluation failures during tuning.
	Log logger.Logger `yaml:"-" json:"-"`
}

// Arg describes one kernel argument. Exactly one of Scalar, File or Len
// determines its contents.
type Arg struct {
	Name   string   `yaml:"name" json:"name"`
	Type   string   `yaml:"type" json:"type"`
	Len    int      `yaml:"len,omitempty" json:"len,omitempty"`
	Fill   string   `yaml:"fill,omitempty" json:"fill,omitempty"`
	Value  float64  `yaml:"value,omitempty" json:"value,omitempty"`
	Seed   uint64   `yaml:"seed,omitempty" json:"seed,omitempty"`
	Scalar *float64 `yaml:"scalar,omitempty" json:"scalar,omitempty"`
	File   string   `yaml:"file,omitempty" json:"file,omitempty"`
	// Output marks arguments the kernel writes; the run command saves them.
	Output bool `yaml:"output,omitempty" json:"output,omitempty"`
}

// Answer is the reference output for one argument, read from File or
// generated with Fill.
type Answer struct {
	Arg   string  `yaml:"arg" json:"arg"`
	File  string  `yaml:"file,omitempty" json:"file,omitempty"`
	Fill  string  `yaml:"fill,omitempty" json:"fill,omitempty"`
	Value float64 `yaml:"value,omitempty" json:"value,omitempty"`
	Seed  uint64  `yaml:"seed,omitempty" json:"seed,omitempty"`
}

// Param is a tunable parameter with its candidate values.
type Param struct {
	Name   string `yaml:"name" json:"name"`
	Values []any  `yaml:"values" json:"values"`
}

// Params keeps parameters in file order. It accepts a mapping of name to
// values or a list of {name, values}.
type Params []Param

func (p *Params) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.MappingNode:
		out := make(Params, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			var values []any
			if val.Kind == yaml.ScalarNode {
				var v any
				if err := val.Decode(&v); err != nil {
					return fmt.Errorf("param %s: %w", key.Value, err)
				}
				values = []any{v}
			} else if err := val.Decode(&values); err != nil {
				return fmt.Errorf("param %s: %w", key.Value, err)
			}
			out = append(out, Param{Name: key.Value, Values: values})
		}
		*p = out
	case yaml.SequenceNode:
		var list []Param
		if err := n.Decode(&list); err != nil {
			return err
		}
		*p = list
	default:
		return fmt.Errorf("line %d: params must be a mapping or a list", n.Line)
	}
	return nil
}

// UnmarshalJSON goes through a YAML node so that object keys keep their
// order; JSON is valid YAML.
func (p *Params) UnmarshalJSON(data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Content) == 0 {
		*p = nil
		return nil
	}
	return p.UnmarshalYAML(doc.Content[0])
}

// Duration accepts Go duration strings ("10m", "90s") or a number of seconds.
type Duration time.Duration

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case nil:
		*d = 0
	case string:
		if x == "" {
			*d = 0
			return nil
		}
		dur, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(dur)
	case int:
		*d = Duration(time.Duration(x) * time.Second)
	case float64:
		*d = Duration(x * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Load reads a job file. Files ending in .json are decoded as JSON, anything
// else as YAML.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s *Spec
	if strings.EqualFold(filepath.Ext(path), ".json") {
		s, err = ParseJSON(data)
	} else {
		s, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.BaseDir = filepath.Dir(path)
	return s, nil
}

// ParseYAML decodes a job. Unknown fields are rejected.
func ParseYAML(data []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Spec
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseJSON decodes a job. Unknown fields are rejected.
func ParseJSON(data []byte) (*Spec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	var s Spec
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Build resolves files and assembles the tuner job. Every problem is reported
// as a space.ErrConfiguration.
func (s *Spec) Build() (tuner.Job, error) {
	job := tuner.Job{KernelName: strings.TrimSpace(s.Kernel)}
	if job.KernelName == "" {
		return job, configErr("kernel name is required")
	}

	src, err := s.source()
	if err != nil {
		return job, err
	}
	job.Source = src

	sp, err := s.space()
	if err != nil {
		return job, err
	}
	job.Space = sp

	if job.Problem, err = s.problem(sp); err != nil {
		return job, err
	}
	job.GridDiv = kernel.GridDivisors{X: s.GridDivX, Y: s.GridDivY, Z: s.GridDivZ}

	if job.Restrictions, err = sp.Compile(s.Restrictions...); err != nil {
		return job, err
	}

	if job.Args, err = s.args(); err != nil {
		return job, err
	}
	if job.Answer, err = s.answer(job.Args); err != nil {
		return job, err
	}

	job.Tolerance = verify.DefaultTolerance
	if s.Tolerance != nil {
		job.Tolerance = *s.Tolerance
	}
	return job, job.Validate()
}

// Options translates the run limits of the job into tuner options.
func (s *Spec) Options() ([]tuner.Option, error) {
	policy, err := tuner.ParseTrialPolicy(s.TrialPolicy)
	if err != nil {
		return nil, configErr("%v", err)
	}
	if s.Iterations < 0 || s.MaxConfigs < 0 || s.TimeBudget < 0 {
		return nil, configErr("iterations, max_configs and time_budget must not be negative")
	}
	opts := []tuner.Option{tuner.WithTrialPolicy(policy)}
	if s.Iterations > 0 {
		opts = append(opts, tuner.WithIterations(s.Iterations))
	}
	if s.MaxConfigs > 0 {
		opts = append(opts, tuner.WithMaxConfigs(s.MaxConfigs))
	}
	if s.TimeBudget > 0 {
		opts = append(opts, tuner.WithTimeBudget(time.Duration(s.TimeBudget)))
	}
	return opts, nil
}

// Outputs lists the names of the arguments marked as outputs.
func (s *Spec) Outputs() []string {
	var out []string
	for _, a := range s.Args {
		if a.Output {
			out = append(out, a.Name)
		}
	}
	return out
}

func (s *Spec) path(name string) string {
	if filepath.IsAbs(name) || s.BaseDir == "" {
		return name
	}
	return filepath.Join(s.BaseDir, name)
}

func (s *Spec) source() (string, error) {
	switch {
	case s.SourceInline != "" && s.Source != "":
		return "", configErr("source and source_inline are mutually exclusive")
	case s.SourceInline != "":
		return s.SourceInline, nil
	case s.Source != "":
		data, err := os.ReadFile(s.path(s.Source))
		if err != nil {
			return "", configErr("kernel source: %v", err)
		}
		return string(data), nil
	default:
		return "", configErr("one of source or source_inline is required")
	}
}

func (s *Spec) space() (*space.Space, error) {
	sp := &space.Space{}
	sp.SetLogger(s.Log)
	for _, p := range s.Params {
		values := make([]space.Value, 0, len(p.Values))
		for _, raw := range p.Values {
			v, err := space.ParseValue(raw)
			if err != nil {
				return nil, configErr("param %s: %v", p.Name, err)
			}
			values = append(values, v)
		}
		if err := sp.Add(p.Name, values...); err != nil {
			return nil, err
		}
	}
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	return sp, nil
}

func (s *Spec) problem(sp *space.Space) (kernel.ProblemSize, error) {
	if len(s.ProblemSize) == 0 || len(s.ProblemSize) > 3 {
		return nil, configErr("problem_size needs 1 to 3 entries, got %d", len(s.ProblemSize))
	}
	out := make(kernel.ProblemSize, len(s.ProblemSize))
	for i, raw := range s.ProblemSize {
		e, err := extent(raw)
		if err != nil {
			return nil, configErr("problem_size[%d]: %v", i, err)
		}
		if e.Param != "" && !sp.Has(e.Param) {
			return nil, configErr("problem_size[%d] refers to unknown parameter %q", i, e.Param)
		}
		out[i] = e
	}
	return out, nil
}

func extent(raw any) (kernel.Extent, error) {
	switch x := raw.(type) {
	case string:
		x = strings.TrimSpace(x)
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return kernel.Extent{N: n}, nil
		}
		if x == "" {
			return kernel.Extent{}, fmt.Errorf("empty extent")
		}
		return kernel.Extent{Param: x}, nil
	default:
		v, err := space.ParseValue(raw)
		if err != nil {
			return kernel.Extent{}, err
		}
		n, ok := v.Int()
		if !ok {
			return kernel.Extent{}, fmt.Errorf("extent %v is not an integer", raw)
		}
		return kernel.Extent{N: n}, nil
	}
}

func (s *Spec) args() (args.List, error) {
	out := make(args.List, 0, len(s.Args))
	seen := make(map[string]bool, len(s.Args))
	for i, a := range s.Args {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, configErr("args[%d]: name is required", i)
		}
		if seen[name] {
			return nil, configErr("duplicate argument %q", name)
		}
		seen[name] = true

		kind, err := args.ParseKind(a.Type)
		if err != nil {
			return nil, configErr("argument %s: %v", name, err)
		}

		var arg args.Arg
		switch {
		case a.Scalar != nil:
			if a.File != "" || a.Len != 0 {
				return nil, configErr("argument %s: scalar excludes len and file", name)
			}
			arg = args.Scalar(name, kind, *a.Scalar)
		case a.File != "":
			arg, err = args.Load(s.path(a.File), name, kind, a.Len)
			if err != nil {
				return nil, configErr("argument %s: %v", name, err)
			}
		case a.Len > 0:
			arg = args.New(name, kind, a.Len)
			if err := args.Fill(arg, a.Fill, a.Value, a.Seed); err != nil {
				return nil, configErr("argument %s: %v", name, err)
			}
		default:
			return nil, configErr("argument %s: one of scalar, file or len is required", name)
		}
		out = append(out, arg)
	}
	return out, nil
}

func (s *Spec) answer(argv args.List) ([]args.Arg, error) {
	if len(s.Answer) == 0 {
		return nil, nil
	}
	out := make([]args.Arg, len(argv))
	for _, ans := range s.Answer {
		i, ok := argv.Index(ans.Arg)
		if !ok {
			return nil, configErr("answer refers to unknown argument %q", ans.Arg)
		}
		if out[i].Data() != nil {
			return nil, configErr("duplicate answer for argument %q", ans.Arg)
		}
		a := argv[i]
		if a.Scalar {
			return nil, configErr("answer for scalar argument %q", ans.Arg)
		}
		switch {
		case ans.File != "":
			ref, err := args.Load(s.path(ans.File), a.Name, a.Kind, 0)
			if err != nil {
				return nil, configErr("answer %s: %v", ans.Arg, err)
			}
			if ref.Len() != a.Len() {
				return nil, configErr("answer %s holds %d elements, argument has %d", ans.Arg, ref.Len(), a.Len())
			}
			out[i] = ref
		default:
			ref := a.Zeroed()
			if err := args.Fill(ref, ans.Fill, ans.Value, ans.Seed); err != nil {
				return nil, configErr("answer %s: %v", ans.Arg, err)
			}
			out[i] = ref
		}
	}
	return out, nil
}

func configErr(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{space.ErrConfiguration}, a...)...)
}
