package witness

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DirSink writes one file per anchor into a local directory. Files are created
// exclusively and never overwritten.
type DirSink struct {
	dir string
}

// NewDirSink creates dir if needed and returns a DirSink rooted there.
func NewDirSink(dir string) (*DirSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("witness dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create witness dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

// Dir returns the sink directory.
func (s *DirSink) Dir() string { return s.dir }

// Put implements Sink. Writing the same anchor twice is a no-op.
func (s *DirSink) Put(ctx context.Context, d *Document) error {
	if d == nil {
		return fmt.Errorf("nil witness")
	}
	b, err := d.Encode()
	if err != nil {
		return err
	}
	p := filepath.Join(s.dir, d.Name())

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			existing, rerr := os.ReadFile(p)
			if rerr != nil {
				return fmt.Errorf("read existing witness: %w", rerr)
			}
			if sameAnchor(existing, d) {
				return nil
			}
			return fmt.Errorf("%s: %w", p, ErrConflict)
		}
		return fmt.Errorf("create witness: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(p)
		return fmt.Errorf("write witness: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(p)
		return fmt.Errorf("sync witness: %w", err)
	}
	return f.Close()
}

// Get implements Reader.
func (s *DirSink) Get(ctx context.Context, seq int64, snapshotAt time.Time) (*Document, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, Name(seq, snapshotAt)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read witness: %w", err)
	}
	return Decode(b)
}
