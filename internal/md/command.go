package md

import (
	"path/filepath"
	"strconv"
	"time"

	"mdsched/internal/execx"
)

// Tool locates the external MD toolchain. Stage steps are described as
// typed specs here and only turned into a process at the execx boundary.
type Tool struct {
	// Binary is the toolchain entry point (e.g. "gmx_mpi" or "gmx").
	Binary string
}

func (t Tool) binary() string {
	if t.Binary == "" {
		return "gmx_mpi"
	}
	return t.Binary
}

// GromppSpec is the preprocessing step: parameter file + input coordinates +
// topology -> prepared binary run descriptor (.tpr) in the stage directory.
func (t Tool) GromppSpec(systemDir string, stage Stage, mdpPath string, timeout time.Duration, env []string) execx.Spec {
	dir := stage.Dir(systemDir)
	coords := stage.InputCoords(systemDir)
	return execx.Spec{
		Path: t.binary(),
		Args: []string{
			"grompp",
			"-f", mdpPath,
			"-c", coords,
			"-r", coords,
			"-p", filepath.Join(systemDir, TopologyFile),
			"-o", filepath.Join(dir, stage.Name()+".tpr"),
		},
		Dir:     dir,
		Env:     env,
		Timeout: timeout,
	}
}

// MdrunSpec is the compute step: consume the descriptor, produce output
// coordinates and logs named after the stage.
func (t Tool) MdrunSpec(systemDir string, stage Stage, timeout time.Duration, env []string) execx.Spec {
	dir := stage.Dir(systemDir)
	return execx.Spec{
		Path:    t.binary(),
		Args:    []string{"mdrun", "-v", "-deffnm", filepath.Join(dir, stage.Name())},
		Dir:     dir,
		Env:     env,
		Timeout: timeout,
	}
}

// DeviceEnv pins the stage's commands to one GPU.
func DeviceEnv(device int) []string {
	return []string{"CUDA_VISIBLE_DEVICES=" + strconv.Itoa(device)}
}
