package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"doorbot/internal/door"
	logx "doorbot/pkg/logx"
)

// fileStore appends one JSON object per line to <path>.
//
// Pruning rewrites the surviving lines into <path>.tmp and renames it over
// the journal.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	log.Debug("file journal opened", logx.String("path", path))
	return &fileStore{log: log, path: path, f: f}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendUnlock(ctx context.Context, e door.UnlockEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(toRecord(e, time.Now()))
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errClosed
	}
	_, err = s.f.Write(b)
	return err
}

func (s *fileStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errClosed
	}

	in, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp := s.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(out)

	var dropped int64
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return 0, err
		}
		line := sc.Bytes()
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			// Torn or foreign lines are dropped on rewrite.
			dropped++
			continue
		}
		if r.ObservedAt.Before(t) {
			dropped++
			continue
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if dropped == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	// Reopen so appends go to the new inode.
	_ = s.f.Close()
	f, err := openAppend(s.path)
	if err != nil {
		s.f = nil
		return dropped, err
	}
	s.f = f
	return dropped, nil
}
