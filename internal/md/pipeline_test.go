package md

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"mdsched/internal/execx"
	"mdsched/internal/retry"
	logx "mdsched/pkg/logx"
)

// stubRunner records every invocation and fails the ones its fail callback
// selects, without spawning processes.
type stubRunner struct {
	mu    sync.Mutex
	calls []string // "<step> <first arg of -f/-deffnm>" style keys
	count map[string]int

	// fail decides the outcome for a given key and per-key call number (1-based).
	fail func(key string, n int) error
}

func newStubRunner(fail func(key string, n int) error) *stubRunner {
	return &stubRunner{count: map[string]int{}, fail: fail}
}

// key reduces a spec to "<step>:<stage>" (e.g. "grompp:nvt1").
func specKey(spec execx.Spec) string {
	step := "unknown"
	if len(spec.Args) > 0 {
		step = spec.Args[0]
	}
	return step + ":" + filepath.Base(spec.Dir)
}

func (r *stubRunner) Run(_ context.Context, spec execx.Spec) (execx.Result, error) {
	key := specKey(spec)
	r.mu.Lock()
	r.count[key]++
	n := r.count[key]
	r.calls = append(r.calls, key)
	r.mu.Unlock()

	if r.fail != nil {
		if err := r.fail(key, n); err != nil {
			return execx.Result{Output: "simulated tool failure"}, err
		}
	}
	return execx.Result{}, nil
}

func (r *stubRunner) countFor(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count[key]
}

func (r *stubRunner) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// newSystemDir lays out a minimal valid system: structure, topology and the
// three stage templates.
func newSystemDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range []string{StructureFile, TopologyFile} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for _, tmpl := range []string{"em.mdp", "nvt.mdp", "npt.mdp"} {
		writeTemplate(t, dir, tmpl, "integrator = md\ndt = 0.002\n")
	}
	return dir
}

func newPipeline(dir string, runner execx.Runner) *Pipeline {
	return &Pipeline{
		Dir:       dir,
		Name:      filepath.Base(dir),
		Runner:    runner,
		Timesteps: []float64{0.002},
		Retry:     retry.Options{MaxAttempts: 3}, // Base 0: no sleeping in tests
		Log:       logx.Nop(),
	}
}

func TestPipelineHappyPath(t *testing.T) {
	t.Parallel()
	dir := newSystemDir(t)
	runner := newStubRunner(nil)

	var stages []string
	p := newPipeline(dir, runner)
	p.OnStage = func(s Stage) { stages = append(stages, s.Name()) }

	if err := p.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"grompp:em", "mdrun:em",
		"grompp:nvt1", "mdrun:nvt1",
		"grompp:npt1", "mdrun:npt1",
	}
	if got := runner.callLog(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("call order = %v, want %v", got, want)
	}
	if fmt.Sprint(stages) != fmt.Sprint([]string{"em", "nvt1", "npt1"}) {
		t.Fatalf("OnStage order = %v", stages)
	}
}

func TestPipelineRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	dir := newSystemDir(t)

	// nvt1's preprocessing fails twice, then heals. Budget is 3 attempts.
	runner := newStubRunner(func(key string, n int) error {
		if key == "grompp:nvt1" && n <= 2 {
			return errors.New("transient")
		}
		return nil
	})

	p := newPipeline(dir, runner)
	if err := p.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := runner.countFor("grompp:nvt1"); got != 3 {
		t.Errorf("grompp:nvt1 ran %d times, want 3", got)
	}
	// Later stages still ran after the recovery.
	if got := runner.countFor("mdrun:npt1"); got != 1 {
		t.Errorf("mdrun:npt1 ran %d times, want 1", got)
	}
}

func TestPipelineHaltsOnExhaustedStage(t *testing.T) {
	t.Parallel()
	dir := newSystemDir(t)

	runner := newStubRunner(func(key string, _ int) error {
		if key == "mdrun:em" {
			return errors.New("persistent crash")
		}
		return nil
	})

	p := newPipeline(dir, runner)
	err := p.Execute(context.Background())
	if err == nil {
		t.Fatal("expected pipeline failure")
	}
	if got := err.Error(); !strings.Contains(got, "stage em") || !strings.Contains(got, "3 attempts exhausted") {
		t.Fatalf("error = %q, want stage name and attempt count", got)
	}

	// Every attempt reruns the whole stage, so grompp runs once per attempt.
	if got := runner.countFor("grompp:em"); got != 3 {
		t.Errorf("grompp:em ran %d times, want 3", got)
	}
	if got := runner.countFor("mdrun:em"); got != 3 {
		t.Errorf("mdrun:em ran %d times, want 3", got)
	}
	// Later stages never start.
	if got := runner.countFor("grompp:nvt1"); got != 0 {
		t.Errorf("grompp:nvt1 ran %d times, want 0", got)
	}
}

func TestPipelineMissingInputs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir() // no structure/topology/templates at all
	runner := newStubRunner(nil)

	p := newPipeline(dir, runner)
	err := p.Execute(context.Background())
	if !errors.Is(err, ErrMissingInputs) {
		t.Fatalf("err = %v, want ErrMissingInputs", err)
	}
	if len(runner.callLog()) != 0 {
		t.Fatalf("runner invoked despite missing inputs: %v", runner.callLog())
	}
}

func TestPipelineMissingTemplateIsPermanent(t *testing.T) {
	t.Parallel()
	dir := newSystemDir(t)
	// Remove the nvt template after input checks would pass.
	if err := os.Remove(filepath.Join(dir, TemplateDir, "nvt.mdp")); err != nil {
		t.Fatal(err)
	}

	runner := newStubRunner(nil)
	p := newPipeline(dir, runner)
	if err := p.Execute(context.Background()); err == nil {
		t.Fatal("expected failure on missing template")
	}

	// Materialization failure is permanent: nvt1 never reached grompp and
	// the stage was not retried.
	if got := runner.countFor("grompp:nvt1"); got != 0 {
		t.Errorf("grompp:nvt1 ran %d times, want 0", got)
	}
	// em completed before the halt.
	if got := runner.countFor("mdrun:em"); got != 1 {
		t.Errorf("mdrun:em ran %d times, want 1", got)
	}
}
