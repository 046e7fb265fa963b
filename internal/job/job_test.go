package job

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kerneltune/internal/args"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/space"
	"github.com/samcharles93/kerneltune/internal/tuner"
	"github.com/samcharles93/kerneltune/internal/verify"
)

const vectorAdd = `__global__ void vector_add(float *c, float *a, float *b, int n) {
    int i = blockIdx.x * block_size_x + threadIdx.x;
    if (i < n) c[i] = a[i] + b[i];
}
`

const jobYAML = `
kernel: vector_add
source: vector_add.cu
problem_size: [1000, 1]
grid_div_x: [block_size_x]
grid_div_y: []
params:
  block_size_x: [128, 192, 256]
  unroll: [1, 2]
restrictions: ["block_size_x >= 192"]
args:
  - {name: c, type: float32, len: 1000, fill: zeros, output: true}
  - {name: a, type: float32, len: 1000, fill: random, seed: 1}
  - {name: b, type: float32, len: 1000, fill: const, value: 2}
  - {name: n, type: int32, scalar: 1000}
answer: [{arg: c, file: c_ref.bin}]
tolerance: {abs: 1e-6, rel: 1e-5}
iterations: 7
time_budget: 10m
trial_policy: min
`

func writeFiles(t *testing.T, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	return dir
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	ref := args.New("c", args.Float32, 1000)
	require.NoError(t, args.Fill(ref, args.FillConst, 3, 0))
	dir := writeFiles(t, map[string][]byte{
		"job.yaml":      []byte(jobYAML),
		"vector_add.cu": []byte(vectorAdd),
		"c_ref.bin":     ref.Bytes(),
	})

	spec, err := Load(filepath.Join(dir, "job.yaml"))
	require.NoError(t, err)
	assert.Equal(t, dir, spec.BaseDir)
	assert.Equal(t, []string{"c"}, spec.Outputs())
	assert.Equal(t, Duration(10*time.Minute), spec.TimeBudget)

	job, err := spec.Build()
	require.NoError(t, err)
	assert.Equal(t, "vector_add", job.KernelName)
	assert.Equal(t, vectorAdd, job.Source)
	assert.Equal(t, []string{"block_size_x", "unroll"}, job.Space.Names(), "params keep file order")
	assert.Equal(t, 6, job.Space.Size())
	assert.Equal(t, kernel.Size(1000, 1), job.Problem)
	assert.Equal(t, []string{"block_size_x"}, job.GridDiv.X)
	assert.NotNil(t, job.GridDiv.Y)
	assert.Empty(t, job.GridDiv.Y)
	assert.Nil(t, job.GridDiv.Z)
	assert.Equal(t, verify.Tolerance{Abs: 1e-6, Rel: 1e-5}, job.Tolerance)

	require.Len(t, job.Args, 4)
	assert.Equal(t, 1000, job.Args[0].Len())
	assert.Equal(t, 2.0, job.Args[2].At(999))
	assert.True(t, job.Args[3].Scalar)
	assert.Equal(t, 1000.0, job.Args[3].At(0))

	require.Len(t, job.Answer, 4)
	assert.Equal(t, 3.0, job.Answer[0].At(10))
	assert.Nil(t, job.Answer[1].Data())

	var valid []string
	for cfg := range job.Space.Valid(job.Restrictions...) {
		valid = append(valid, cfg.Key())
	}
	assert.Len(t, valid, 4)

	opts, err := spec.Options()
	require.NoError(t, err)
	assert.Len(t, opts, 3)
}

func TestParamsListForm(t *testing.T) {
	t.Parallel()

	spec, err := ParseYAML([]byte(`
kernel: k
source_inline: "__global__ void k() {}"
problem_size: [n]
grid_div_x: []
params:
  - {name: n, values: [64, 32]}
  - {name: block_size_x, values: [32]}
args: []
`))
	require.NoError(t, err)
	job, err := spec.Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"n", "block_size_x"}, job.Space.Names())
	assert.Equal(t, kernel.ProblemSize{{Param: "n"}}, job.Problem)
	assert.Nil(t, job.Answer)
	assert.Equal(t, verify.DefaultTolerance, job.Tolerance)
}

func TestParseJSONKeepsParamOrder(t *testing.T) {
	t.Parallel()

	spec, err := ParseJSON([]byte(`{
		"kernel": "k",
		"source_inline": "__global__ void k() {}",
		"problem_size": [4096, "tile"],
		"params": {"tile": [8, 16], "block_size_x": [256, 128], "alpha": [0.5]},
		"args": [{"name": "x", "type": "float64", "len": 4, "fill": "range"}],
		"time_budget": 30
	}`))
	require.NoError(t, err)
	assert.Equal(t, Duration(30*time.Second), spec.TimeBudget)

	job, err := spec.Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"tile", "block_size_x", "alpha"}, job.Space.Names())
	assert.Equal(t, kernel.ProblemSize{{N: 4096}, {Param: "tile"}}, job.Problem)

	p, ok := job.Space.Parameter("alpha")
	require.True(t, ok)
	assert.True(t, p.Values[0].Equal(space.Float(0.5)))
	assert.Equal(t, 3.0, job.Args[0].At(3))
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	base := func() *Spec {
		return &Spec{
			Kernel:       "k",
			SourceInline: "__global__ void k(float *x) {}",
			ProblemSize:  []any{128},
			Params:       Params{{Name: "block_size_x", Values: []any{32, 64}}},
			Args:         []Arg{{Name: "x", Type: "float32", Len: 128}},
		}
	}
	scalar := 1.0

	tests := []struct {
		name   string
		modify func(*Spec)
	}{
		{"no kernel", func(s *Spec) { s.Kernel = " " }},
		{"no source", func(s *Spec) { s.SourceInline = "" }},
		{"both sources", func(s *Spec) { s.Source = "k.cu" }},
		{"missing source file", func(s *Spec) { s.SourceInline, s.Source = "", "missing.cu" }},
		{"no params", func(s *Spec) { s.Params = nil }},
		{"empty param", func(s *Spec) { s.Params = append(s.Params, Param{Name: "unroll"}) }},
		{"duplicate param", func(s *Spec) { s.Params = append(s.Params, s.Params[0]) }},
		{"no problem size", func(s *Spec) { s.ProblemSize = nil }},
		{"four dimensions", func(s *Spec) { s.ProblemSize = []any{1, 1, 1, 1} }},
		{"unknown size param", func(s *Spec) { s.ProblemSize = []any{"tile"} }},
		{"fractional size", func(s *Spec) { s.ProblemSize = []any{1.5} }},
		{"kernel not in source", func(s *Spec) { s.Kernel = "kk" }},
		{"bad restriction", func(s *Spec) { s.Restrictions = []string{"block_size_x >"} }},
		{"restriction on mixed kinds", func(s *Spec) {
			s.Params = Params{{Name: "block_size_x", Values: []any{32, 2.5}}}
			s.Restrictions = []string{"block_size_x % 2 == 0"}
		}},
		{"unnamed arg", func(s *Spec) { s.Args[0].Name = "" }},
		{"duplicate arg", func(s *Spec) { s.Args = append(s.Args, s.Args[0]) }},
		{"bad type", func(s *Spec) { s.Args[0].Type = "complex128" }},
		{"bad fill", func(s *Spec) { s.Args[0].Fill = "sparkles" }},
		{"no contents", func(s *Spec) { s.Args[0].Len = 0 }},
		{"scalar with len", func(s *Spec) { s.Args[0].Scalar = &scalar }},
		{"answer unknown arg", func(s *Spec) { s.Answer = []Answer{{Arg: "y"}} }},
		{"answer twice", func(s *Spec) { s.Answer = []Answer{{Arg: "x"}, {Arg: "x"}} }},
		{"answer for scalar", func(s *Spec) {
			s.Args = append(s.Args, Arg{Name: "n", Type: "int32", Scalar: &scalar})
			s.Answer = []Answer{{Arg: "n"}}
		}},
		{"negative tolerance", func(s *Spec) { s.Tolerance = &verify.Tolerance{Abs: -1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := base()
			tt.modify(s)
			_, err := s.Build()
			require.Error(t, err)
			assert.ErrorIs(t, err, space.ErrConfiguration)
		})
	}

	_, err := base().Build()
	require.NoError(t, err)
}

func TestAnswerFileLengthMismatch(t *testing.T) {
	t.Parallel()

	short := args.New("x", args.Float32, 64)
	dir := writeFiles(t, map[string][]byte{"x_ref.bin": short.Bytes()})
	s := &Spec{
		Kernel:       "k",
		SourceInline: "__global__ void k(float *x) {}",
		ProblemSize:  []any{128},
		Params:       Params{{Name: "block_size_x", Values: []any{32}}},
		Args:         []Arg{{Name: "x", Type: "float32", Len: 128}},
		Answer:       []Answer{{Arg: "x", File: "x_ref.bin"}},
		BaseDir:      dir,
	}
	_, err := s.Build()
	require.ErrorIs(t, err, space.ErrConfiguration)
	assert.Contains(t, err.Error(), "64 elements")
}

func TestArgFromFile(t *testing.T) {
	t.Parallel()

	data := args.Int32s("idx", []int32{5, 6, 7, 8})
	dir := writeFiles(t, map[string][]byte{"idx.bin": data.Bytes()})
	s := &Spec{BaseDir: dir, Args: []Arg{{Name: "idx", Type: "int32", File: "idx.bin", Len: 3}}}
	argv, err := s.args()
	require.NoError(t, err)
	require.Len(t, argv, 1)
	assert.Equal(t, []int32{5, 6, 7}, argv[0].Data())
}

func TestOptions(t *testing.T) {
	t.Parallel()

	opts, err := (&Spec{}).Options()
	require.NoError(t, err)
	assert.Len(t, opts, 1)

	_, err = (&Spec{TrialPolicy: "median"}).Options()
	assert.ErrorIs(t, err, space.ErrConfiguration)

	_, err = (&Spec{Iterations: -1}).Options()
	assert.ErrorIs(t, err, space.ErrConfiguration)

	opts, err = (&Spec{Iterations: 3, MaxConfigs: 2, TimeBudget: Duration(time.Second)}).Options()
	require.NoError(t, err)
	assert.Len(t, opts, 4)
	_ = tuner.New(nil, opts...)
}

func TestUnknownFieldsRejected(t *testing.T) {
	t.Parallel()

	_, err := ParseYAML([]byte("kernel: k\nkernal_name: typo\n"))
	assert.Error(t, err)
	_, err = ParseJSON([]byte(`{"kernel": "k", "itterations": 3}`))
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.set("1m30s"))
	assert.Equal(t, Duration(90*time.Second), d)
	require.NoError(t, d.set(2))
	assert.Equal(t, Duration(2*time.Second), d)
	assert.Error(t, d.set("soon"))
	assert.Error(t, d.set(true))
}
