package md

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const nvtTemplate = `; nvt equilibration
integrator = md
dt   =  0.002
nsteps = 50000
tcoupl = v-rescale
`

func writeTemplate(t *testing.T, systemDir, name, content string) string {
	t.Helper()
	dir := filepath.Join(systemDir, TemplateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMaterializeMDP(t *testing.T) {
	t.Parallel()
	sys := t.TempDir()
	src := writeTemplate(t, sys, "nvt.mdp", nvtTemplate)

	stage := Stage{Kind: StageNVT, Cycle: 2, Timestep: 0.001}
	dest, err := MaterializeMDP(sys, stage)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(sys, "nvt2", "nvt.mdp"); dest != want {
		t.Fatalf("dest = %s, want %s", dest, want)
	}

	out, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "dt = 0.001") {
		t.Fatalf("dt not substituted:\n%s", out)
	}
	if strings.Contains(string(out), "0.002") {
		t.Fatalf("old dt survives:\n%s", out)
	}
	// Unrelated lines survive verbatim.
	if !strings.Contains(string(out), "nsteps = 50000") {
		t.Fatalf("template content mangled:\n%s", out)
	}

	// The shared template itself must never change.
	orig, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if string(orig) != nvtTemplate {
		t.Fatal("template was modified in place")
	}
}

func TestMaterializeMDPMissingTemplate(t *testing.T) {
	t.Parallel()
	sys := t.TempDir()
	if _, err := MaterializeMDP(sys, Stage{Kind: StageEM, Timestep: 0.0005}); err == nil {
		t.Fatal("expected error for missing template")
	}
}
