// Package discover finds eligible simulation system directories under the
// project root and computes their scheduling weight.
package discover

import (
	"fmt"
	"os"
	"path/filepath"

	"mdsched/internal/md"
	"mdsched/internal/sched"
	logx "mdsched/pkg/logx"
)

// Eligible reports whether dir looks like a system directory: it must carry
// the structure file and the energy-minimization template. A directory with
// a structure file but missing other inputs is reported separately so the
// caller can log a skip warning.
func Eligible(dir string) (ok bool, reason string) {
	if _, err := os.Stat(filepath.Join(dir, md.StructureFile)); err != nil {
		return false, md.StructureFile + " missing"
	}
	if _, err := os.Stat(filepath.Join(dir, md.TemplateDir, "em.mdp")); err != nil {
		return false, filepath.Join(md.TemplateDir, "em.mdp") + " missing"
	}
	return true, ""
}

// Weight is the combined structure+topology size. Heavier systems get
// scheduled first so the longest-running jobs start early. A missing
// topology contributes zero; the pipeline's own input check reports it.
func Weight(dir string) int64 {
	var w int64
	for _, name := range []string{md.StructureFile, md.TopologyFile} {
		if fi, err := os.Stat(filepath.Join(dir, name)); err == nil {
			w += fi.Size()
		}
	}
	return w
}

// Scan walks the immediate children of root and returns every eligible
// system. Non-directories and ineligible directories are skipped; the
// latter get a warning when they at least resemble a system.
func Scan(root string, log logx.Logger) ([]sched.System, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read project root %s: %w", root, err)
	}

	var systems []sched.System
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if ok, reason := Eligible(dir); !ok {
			// Only warn for directories that carry simulation inputs at all;
			// unrelated folders (ligprep output, stage leftovers) stay quiet.
			if reason != md.StructureFile+" missing" {
				log.Warn("skipping ineligible system",
					logx.String("system", e.Name()),
					logx.String("reason", reason))
			}
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			abs = dir
		}
		systems = append(systems, sched.System{
			Name:   e.Name(),
			Dir:    abs,
			Weight: Weight(dir),
		})
	}
	return systems, nil
}
