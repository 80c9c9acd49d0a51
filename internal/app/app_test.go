package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mdsched/internal/config"
	"mdsched/internal/execx"
	"mdsched/internal/md"
	"mdsched/internal/storage"
)

// fakeRunner pretends to be the MD toolchain: it records invocations and
// fabricates the output coordinates each following stage expects.
type fakeRunner struct {
	mu    sync.Mutex
	calls []execx.Spec
}

func (r *fakeRunner) Run(_ context.Context, spec execx.Spec) (execx.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, spec)
	r.mu.Unlock()

	// Slow the very first step of each system a touch so the bus recorder is
	// up before the first terminal outcome.
	if len(spec.Args) > 0 && spec.Args[0] == "grompp" && strings.HasSuffix(spec.Dir, "em") {
		time.Sleep(150 * time.Millisecond)
	}

	// mdrun writes <stage>.gro; fabricate it so the next stage's inputs exist.
	if len(spec.Args) > 2 && spec.Args[0] == "mdrun" {
		deffnm := spec.Args[len(spec.Args)-1]
		if err := os.WriteFile(deffnm+".gro", []byte("coords\n"), 0o644); err != nil {
			return execx.Result{}, err
		}
	}
	return execx.Result{Output: "ok"}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func makeSystem(t *testing.T, root, name string, size int) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, md.TemplateDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, md.StructureFile), make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, md.TopologyFile), []byte("[ system ]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, tmpl := range []string{"em.mdp", "nvt.mdp", "npt.mdp"} {
		if err := os.WriteFile(filepath.Join(dir, md.TemplateDir, tmpl), []byte("integrator = md\ndt = 0.002\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func testSettings(t *testing.T, root string) config.Settings {
	t.Helper()
	cfg := &config.Config{
		Root:    root,
		Devices: []int{0, 1},
		Logging: config.LoggingConfig{
			Level: "info",
			File: config.LoggingFile{
				Enabled: true,
				Path:    filepath.Join(t.TempDir(), "master.log"),
			},
		},
		Storage: &config.StorageConfig{
			Driver: "file",
			Path:   filepath.Join(t.TempDir(), "history"),
		},
	}
	st, err := cfg.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestRunNoSystems(t *testing.T) {
	t.Parallel()
	settings := testSettings(t, t.TempDir())

	a, err := New(settings)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Run(context.Background()); !errors.Is(err, ErrNoSystems) {
		t.Fatalf("err = %v, want ErrNoSystems", err)
	}
}

func TestRunDrainsAllSystems(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	makeSystem(t, root, "sysA", 2000)
	makeSystem(t, root, "sysB", 100)

	// Discoverable but missing its topology: must be skipped, not failed.
	makeSystem(t, root, "half-prepared", 100)
	if err := os.Remove(filepath.Join(root, "half-prepared", md.TopologyFile)); err != nil {
		t.Fatal(err)
	}

	settings := testSettings(t, root)
	a, err := New(settings)
	if err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{}
	a.runner = runner

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// 7 stages x (grompp + mdrun) x 2 systems.
	if got := runner.callCount(); got != 28 {
		t.Fatalf("runner invoked %d times, want 28", got)
	}

	// Every stage directory got a materialized parameter file, and each
	// system got its own log next to the stage dirs.
	for _, sys := range []string{"sysA", "sysB"} {
		for _, stage := range []string{"em", "nvt1", "npt1", "nvt2", "npt2", "nvt3", "npt3"} {
			kind := strings.TrimRight(stage, "123")
			mdp := filepath.Join(root, sys, stage, kind+".mdp")
			if _, err := os.Stat(mdp); err != nil {
				t.Errorf("missing %s: %v", mdp, err)
			}
		}
		if _, err := os.Stat(filepath.Join(root, sys, md.LogFile)); err != nil {
			t.Errorf("missing per-system log for %s: %v", sys, err)
		}
	}

	// Terminal outcomes were persisted, including the skip.
	records := readRuns(t, settings.Storage.Path+".runs.jsonl")
	outcomes := map[string]string{}
	for _, r := range records {
		outcomes[r.System] = r.Outcome
	}
	if outcomes["sysA"] != "completed" || outcomes["sysB"] != "completed" {
		t.Fatalf("run records = %+v", records)
	}
	if outcomes["half-prepared"] != "skipped" {
		t.Fatalf("half-prepared outcome = %q, want skipped", outcomes["half-prepared"])
	}
}

func TestRunPinsDeviceEnv(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	makeSystem(t, root, "solo", 100)

	settings := testSettings(t, root)
	a, err := New(settings)
	if err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{}
	a.runner = runner

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatal(err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.calls) == 0 {
		t.Fatal("runner never invoked")
	}
	for _, spec := range runner.calls {
		var pinned bool
		for _, kv := range spec.Env {
			if strings.HasPrefix(kv, "CUDA_VISIBLE_DEVICES=") {
				pinned = true
			}
		}
		if !pinned {
			t.Fatalf("command not pinned to a device: %+v", spec)
		}
	}
}

func readRuns(t *testing.T, path string) []storage.RunRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var out []storage.RunRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r storage.RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}
