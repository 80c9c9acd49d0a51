package discover

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mdsched/internal/sched"
	logx "mdsched/pkg/logx"
)

// Watcher feeds newly created system directories into the scheduler while a
// run is in progress. Enqueue is the scheduler's Enqueue; it already rejects
// duplicates, so the watcher can re-offer a directory safely.
type Watcher struct {
	Root    string
	Log     logx.Logger
	Enqueue func(sys sched.System) bool
}

// settleDelay gives the upstream preparation steps time to finish writing a
// fresh system directory before eligibility is checked.
const settleDelay = 2 * time.Second

// Run watches Root until ctx is canceled. When fsnotify gets into a bad
// state the watcher is recreated with backoff; run it under the
// supervisor's restart loop so that recovery is shared with other watchers.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.Root); err != nil {
		return err
	}
	w.Log.Debug("discovery watcher started", logx.String("root", w.Root))

	// Debounce per directory: editors and the preparation scripts emit
	// bursts of events while populating a new system folder.
	var (
		timersMu sync.Mutex
		timers   = map[string]*time.Timer{}
	)
	schedule := func(dir string) {
		timersMu.Lock()
		defer timersMu.Unlock()
		if t, ok := timers[dir]; ok {
			t.Stop()
		}
		timers[dir] = time.AfterFunc(settleDelay, func() {
			timersMu.Lock()
			delete(timers, dir)
			timersMu.Unlock()
			w.offer(dir)
		})
	}
	defer func() {
		timersMu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		timersMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// Events arrive for the directory itself and for files inside it;
			// either way the candidate is the direct child of Root.
			rel, err := filepath.Rel(w.Root, ev.Name)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			parts := strings.Split(rel, string(filepath.Separator))
			if len(parts) == 0 || parts[0] == "." || parts[0] == "" {
				continue
			}
			schedule(filepath.Join(w.Root, parts[0]))
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				w.Log.Warn("discovery watch error", logx.Any("err", err), logx.String("root", w.Root))
			}
		}
	}
}

func (w *Watcher) offer(dir string) {
	ok, _ := Eligible(dir)
	if !ok {
		return
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	sys := sched.System{
		Name:   filepath.Base(dir),
		Dir:    abs,
		Weight: Weight(dir),
	}
	if w.Enqueue(sys) {
		w.Log.Info("discovered new system", logx.String("system", sys.Name))
	}
}
