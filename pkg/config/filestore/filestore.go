package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andrej220/sshgate/pkg/config/configstore"
	"github.com/andrej220/sshgate/pkg/lg"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var (
	_ configstore.ConfigStore = (*FileStore)(nil)
	_ configstore.Watcher     = (*FileStore)(nil)
)

// FileStore keeps a YAML document on disk. Server lists carry passwords,
// so files are written with 0600.
type FileStore struct {
	Path   string
	Logger lg.Logger
}

func New(path string) *FileStore {
	return &FileStore{Path: path, Logger: lg.Discard}
}

func (f *FileStore) Load(out any) error {
	if out == nil {
		return fmt.Errorf("Load: output parameter must not be nil")
	}

	bytes, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("Load: failed to read file %s: %w", f.Path, err)
	}

	if len(bytes) == 0 {
		return fmt.Errorf("Load: config file %s is empty", f.Path)
	}

	if err := yaml.Unmarshal(bytes, out); err != nil {
		return fmt.Errorf("Load: failed to parse YAML in %s: %w", f.Path, err)
	}

	return nil
}

func (f *FileStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}

	bytes, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("Save: failed to marshal YAML: %w", err)
	}

	tmpPath := f.Path + ".tmp"
	if err := os.WriteFile(tmpPath, bytes, 0o600); err != nil {
		return fmt.Errorf("Save: failed to write temp file %s: %w", tmpPath, err)
	}

	// atomic rename
	if err := os.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("Save: failed to replace %s with %s: %w", f.Path, tmpPath, err)
	}

	return nil
}

// Watch calls onChange whenever the file is written or replaced. The
// parent directory is watched because Save and most editors replace the
// file by rename, which drops a watch on the file itself.
func (f *FileStore) Watch(ctx context.Context, onChange func()) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback cannot be nil")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	target := filepath.Clean(f.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory of %s: %w", f.Path, err)
	}

	logger := f.Logger
	if logger == nil {
		logger = lg.Discard
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("watcher error", lg.String("path", f.Path), lg.Err(err))
			}
		}
	}()

	return nil
}
