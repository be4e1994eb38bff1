package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	logx "announcebot/pkg/logx"
)

const DefaultFilePath = "./last_announcement.txt"

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <path>                 (watermark, one decimal integer per file)
//   - <prefix>.audit.jsonl   (append-only JSON Lines)
//
// The watermark is replaced atomically (write tmp, fsync, rename), so a crash
// leaves either the old or the new value on disk.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path      string
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	af, err := os.OpenFile(auditPath(path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, auditFile: af}, nil
}

// auditPath puts the audit log next to the watermark file:
// last_announcement.txt -> last_announcement.audit.jsonl.
func auditPath(watermarkPath string) string {
	return strings.TrimSuffix(watermarkPath, filepath.Ext(watermarkPath)) + ".audit.jsonl"
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) LoadWatermark(context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("watermark file %s: %w", s.path, err)
	}
	return id, true, nil
}

func (s *fileStore) SaveWatermark(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return writeFileAtomic(s.path, []byte(strconv.FormatInt(id, 10)+"\n"))
}

// writeFileAtomic replaces path with data so a crash leaves either the old or
// the new content, never a torn write.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

// syncDir flushes a directory entry so a rename inside it survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(stampAudit(e))
}
