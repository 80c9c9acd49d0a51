// Package md drives the per-system pre-equilibration pipeline: energy
// minimization followed by alternating NVT/NPT equilibration cycles with a
// rising time-step schedule.
package md

import (
	"fmt"
	"path/filepath"
)

// Canonical file names inside a system directory.
const (
	StructureFile = "gmx.gro"
	TopologyFile  = "gmx.top"
	TemplateDir   = "mdp"
	LogFile       = "simulation.log"
)

// StageKind is the kind of pipeline step.
type StageKind int

const (
	StageEM StageKind = iota
	StageNVT
	StageNPT
)

func (k StageKind) String() string {
	switch k {
	case StageEM:
		return "em"
	case StageNVT:
		return "nvt"
	case StageNPT:
		return "npt"
	default:
		return fmt.Sprintf("stage(%d)", int(k))
	}
}

// Stage is one ordered pipeline step. Cycle is 0 for energy minimization
// and 1-based for equilibration; Timestep is the dt (ps) substituted into
// the stage's parameter file.
type Stage struct {
	Kind     StageKind
	Cycle    int
	Timestep float64
}

// Name is the stage identifier used for directories and artifact basenames:
// "em", "nvt1", "npt1", "nvt2", ...
func (s Stage) Name() string {
	if s.Kind == StageEM {
		return "em"
	}
	return fmt.Sprintf("%s%d", s.Kind, s.Cycle)
}

// Dir is the stage's working directory inside systemDir. The pipeline never
// writes outside the system's own tree.
func (s Stage) Dir(systemDir string) string {
	return filepath.Join(systemDir, s.Name())
}

// Template is the shared parameter template this stage derives from.
func (s Stage) Template(systemDir string) string {
	return filepath.Join(systemDir, TemplateDir, s.Kind.String()+".mdp")
}

// Plan expands the dt schedule into the full stage sequence:
// em, then (nvt, npt) per cycle with that cycle's time step.
// Energy minimization uses the first (smallest) dt.
func Plan(timesteps []float64) []Stage {
	if len(timesteps) == 0 {
		return nil
	}
	stages := make([]Stage, 0, 1+2*len(timesteps))
	stages = append(stages, Stage{Kind: StageEM, Timestep: timesteps[0]})
	for i, dt := range timesteps {
		cycle := i + 1
		stages = append(stages,
			Stage{Kind: StageNVT, Cycle: cycle, Timestep: dt},
			Stage{Kind: StageNPT, Cycle: cycle, Timestep: dt},
		)
	}
	return stages
}

// InputCoords is the coordinate file the stage starts from: the system's
// structure file for em, then the previous stage's output down the chain
// (em -> nvt1 -> npt1 -> nvt2 -> ...).
func (s Stage) InputCoords(systemDir string) string {
	switch {
	case s.Kind == StageEM:
		return filepath.Join(systemDir, StructureFile)
	case s.Kind == StageNVT && s.Cycle == 1:
		return filepath.Join(systemDir, "em", "em.gro")
	case s.Kind == StageNVT:
		prev := Stage{Kind: StageNPT, Cycle: s.Cycle - 1}
		return filepath.Join(prev.Dir(systemDir), prev.Name()+".gro")
	default: // npt follows the same cycle's nvt
		prev := Stage{Kind: StageNVT, Cycle: s.Cycle}
		return filepath.Join(prev.Dir(systemDir), prev.Name()+".gro")
	}
}
