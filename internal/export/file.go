package export

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"

	"ipsentry/internal/model"
)

// FileExporter appends one JSON record per line to a file.
type FileExporter struct {
	path string
	mu   sync.Mutex
}

func NewFileExporter(path string) *FileExporter {
	return &FileExporter{path: path}
}

func (f *FileExporter) Export(_ context.Context, actions []model.Action) error {
	if len(actions) == 0 || f.path == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	for _, a := range actions {
		line, err := encodeRecord(a)
		if err != nil {
			_ = file.Close()
			return err
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (f *FileExporter) Close() error {
	return nil
}
