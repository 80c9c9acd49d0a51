package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "mdsched/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl   (append-only JSON Lines, one per terminal outcome)
//   - <prefix>.stages.jsonl (append-only JSON Lines, one per completed stage)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsFile   *os.File
	stagesFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	rf, err := os.OpenFile(prefix+".runs.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	sf, err := os.OpenFile(prefix+".stages.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	return &fileStore{log: log, runsFile: rf, stagesFile: sf}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.runsFile != nil {
		err1 = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.stagesFile != nil {
		err2 = s.stagesFile.Close()
		s.stagesFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) AppendStage(ctx context.Context, r StageRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stagesFile == nil {
		return errors.New("stages file closed")
	}
	return json.NewEncoder(s.stagesFile).Encode(r)
}
