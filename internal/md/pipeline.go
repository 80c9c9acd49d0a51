package md

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mdsched/internal/execx"
	"mdsched/internal/retry"
	logx "mdsched/pkg/logx"
)

// Pipeline executes the full stage sequence for one system directory.
//
// Every gated step (parameter-file materialization, preprocessing, compute)
// is wrapped in the bounded retry decorator. A step that exhausts its
// attempts halts the pipeline in place: later stages never run and the
// system is reported failed.
type Pipeline struct {
	Dir  string // absolute system directory
	Name string // system identifier (directory basename)

	Runner execx.Runner
	Tool   Tool

	Timesteps []float64
	Retry     retry.Options

	// CommandTimeout bounds each external invocation.
	CommandTimeout time.Duration

	// Env is appended to every stage command (device pinning).
	Env []string

	Log logx.Logger

	// OnStage, when set, is called after each stage completes successfully.
	OnStage func(stage Stage)
}

// ErrMissingInputs marks a system that lacks required input files. The
// caller treats it as a setup problem (skip with a warning) rather than a
// pipeline failure.
var ErrMissingInputs = errors.New("missing required inputs")

// CheckInputs verifies the system carries the minimum required files.
func (p *Pipeline) CheckInputs() error {
	required := []string{
		filepath.Join(p.Dir, StructureFile),
		filepath.Join(p.Dir, TopologyFile),
		filepath.Join(p.Dir, TemplateDir, "em.mdp"),
	}
	for _, f := range required {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingInputs, f)
		}
	}
	return nil
}

// Execute runs all stages in order. It returns nil only when every stage
// completed; the first exhausted stage aborts the rest.
func (p *Pipeline) Execute(ctx context.Context) error {
	if err := p.CheckInputs(); err != nil {
		return err
	}

	p.Log.Info("pipeline started", logx.String("system", p.Name))
	start := time.Now()

	for _, stage := range Plan(p.Timesteps) {
		stage := stage
		err := retry.Do(ctx, p.Log, stage.Name(), p.Retry, func(ctx context.Context) error {
			return p.runStage(ctx, stage)
		})
		if err != nil {
			p.Log.Error("pipeline halted",
				logx.String("system", p.Name),
				logx.String("stage", stage.Name()),
				logx.Err(err))
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
		p.Log.Info("stage completed", logx.String("system", p.Name), logx.String("stage", stage.Name()))
		if p.OnStage != nil {
			p.OnStage(stage)
		}
	}

	p.Log.Info("pipeline completed",
		logx.String("system", p.Name),
		logx.Duration("dur", time.Since(start)))
	return nil
}

// runStage is one attempt of one stage: materialize the parameter file,
// preprocess, then run the compute command.
func (p *Pipeline) runStage(ctx context.Context, stage Stage) error {
	mdpPath, err := MaterializeMDP(p.Dir, stage)
	if err != nil {
		// Template problems don't heal with retries.
		return retry.Permanent(err)
	}

	grompp := p.Tool.GromppSpec(p.Dir, stage, mdpPath, p.CommandTimeout, p.Env)
	if err := p.runCommand(ctx, stage, "grompp", grompp); err != nil {
		return err
	}

	mdrun := p.Tool.MdrunSpec(p.Dir, stage, p.CommandTimeout, p.Env)
	return p.runCommand(ctx, stage, "mdrun", mdrun)
}

func (p *Pipeline) runCommand(ctx context.Context, stage Stage, step string, spec execx.Spec) error {
	p.Log.Debug("running command",
		logx.String("stage", stage.Name()),
		logx.String("step", step),
		logx.String("cmd", spec.String()))

	res, err := p.Runner.Run(ctx, spec)
	if err != nil {
		p.Log.Error("command failed",
			logx.String("stage", stage.Name()),
			logx.String("step", step),
			logx.Bool("timed_out", res.TimedOut),
			logx.Duration("dur", res.Duration),
			logx.String("output", tail(res.Output, 2048)),
			logx.Err(err))
		return err
	}
	p.Log.Debug("command ok",
		logx.String("stage", stage.Name()),
		logx.String("step", step),
		logx.Duration("dur", res.Duration))
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
