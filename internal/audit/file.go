package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const maxLineBytes = 4 << 20

// logFile is the part of *os.File the backend writes through.
type logFile interface {
	io.Writer
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

// FileBackend stores one JSON event per line. Each append is synced to
// disk before it returns. A failed append is truncated away; if that fails
// too the backend refuses further appends until it is reopened.
type FileBackend struct {
	path   string
	mu     sync.Mutex
	file   logFile
	broken error
}

// OpenFile opens (or creates) a JSONL audit file for appending.
func OpenFile(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &FileBackend{path: path, file: file}, nil
}

// Path returns the file location.
func (f *FileBackend) Path() string { return f.path }

func (f *FileBackend) Append(_ context.Context, e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return errors.New("audit: file backend closed")
	}
	if f.broken != nil {
		return fmt.Errorf("audit: file backend unusable after failed rollback: %w", f.broken)
	}
	info, err := f.file.Stat()
	if err != nil {
		return fmt.Errorf("audit: stat log: %w", err)
	}
	size := info.Size()

	if _, err := f.file.Write(append(line, '\n')); err != nil {
		return f.rollback(size, fmt.Errorf("audit: write event: %w", err))
	}
	if err := f.file.Sync(); err != nil {
		return f.rollback(size, fmt.Errorf("audit: sync: %w", err))
	}
	return nil
}

// rollback cuts the file back to size so a failed append leaves no partial
// line behind. Called with mu held.
func (f *FileBackend) rollback(size int64, cause error) error {
	if err := f.file.Truncate(size); err != nil {
		f.broken = err
		return errors.Join(cause, fmt.Errorf("audit: truncate after failed append: %w", err))
	}
	return cause
}

// Tip decodes the last line of the file.
func (f *FileBackend) Tip(ctx context.Context) (uint64, string, error) {
	var last *Event
	err := f.Scan(ctx, func(e Event) error {
		last = &e
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	if last == nil {
		return 0, GenesisHash, nil
	}
	return last.Sequence, last.CurrentHash, nil
}

func (f *FileBackend) Scan(ctx context.Context, fn func(Event) error) error {
	return scanFile(ctx, f.path, fn)
}

func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func scanFile(ctx context.Context, path string, fn func(Event) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("audit: read log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var lineNum uint64
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNum++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return &CorruptRecordError{Position: lineNum, Err: err}
		}
		if err := fn(e); err != nil {
			if errors.Is(err, errStopScan) {
				return nil
			}
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: scan log: %w", err)
	}
	return nil
}
