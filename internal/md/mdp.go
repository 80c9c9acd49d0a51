package md

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// dt assignments in .mdp files look like "dt = 0.002" with free-form spacing.
var dtRe = regexp.MustCompile(`dt\s*=\s*\d+\.?\d*`)

// MaterializeMDP derives the stage's parameter file from the shared
// template: copy into the stage directory with the stage's dt substituted.
// The template itself is never modified; it is shared across systems and
// stages run concurrently.
func MaterializeMDP(systemDir string, stage Stage) (string, error) {
	src := stage.Template(systemDir)
	content, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", src, err)
	}

	dir := stage.Dir(systemDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create stage dir: %w", err)
	}

	dt := "dt = " + strconv.FormatFloat(stage.Timestep, 'g', -1, 64)
	out := dtRe.ReplaceAll(content, []byte(dt))

	dest := filepath.Join(dir, stage.Kind.String()+".mdp")
	if err := os.WriteFile(dest, out, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	return dest, nil
}
