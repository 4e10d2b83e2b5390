package auth

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileTokenSource serves an access token read from a file and reloads it
// whenever the file changes. The directory is watched rather than the file
// so that atomic replace-by-rename is picked up.
type FileTokenSource struct {
	path   string
	logger *log.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	token    string
	running  bool
	onChange func(token string)
}

// NewFileTokenSource reads the token at path. The source serves that
// token until Start is called, after which it follows file changes.
func NewFileTokenSource(path string, logger *log.Logger) (*FileTokenSource, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token path: %w", err)
	}

	fs := &FileTokenSource{path: abs, logger: logger}
	if err := fs.reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// OnChange registers a callback invoked with each newly loaded token.
func (fs *FileTokenSource) OnChange(fn func(token string)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.onChange = fn
}

// Token implements remote.TokenSource.
func (fs *FileTokenSource) Token(context.Context) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.token == "" {
		return "", ErrNoToken
	}
	return fs.token, nil
}

// Start begins watching the token file.
func (fs *FileTokenSource) Start() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.running {
		return fmt.Errorf("token watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(fs.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(fs.path), err)
	}

	fs.watcher = watcher
	fs.done = make(chan struct{})
	fs.running = true
	fs.wg.Add(1)
	go fs.processEvents()

	return nil
}

// Stop stops watching. It blocks until the event loop has exited.
func (fs *FileTokenSource) Stop() error {
	fs.mu.Lock()
	if !fs.running {
		fs.mu.Unlock()
		return nil
	}
	fs.running = false
	fs.mu.Unlock()

	close(fs.done)

	if err := fs.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fs.wg.Wait()
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (fs *FileTokenSource) IsRunning() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.running
}

func (fs *FileTokenSource) processEvents() {
	defer fs.wg.Done()

	for {
		select {
		case <-fs.done:
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if !fs.relevant(event) {
				continue
			}
			if err := fs.reload(); err != nil {
				fs.logger.Printf("WARNING: keeping previous token: %v", err)
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Printf("Watcher error: %v", err)
		}
	}
}

// relevant reports whether event may have changed the token file.
func (fs *FileTokenSource) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != fs.path {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write)
}

func (fs *FileTokenSource) reload() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("token file %s is empty", fs.path)
	}

	fs.mu.Lock()
	changed := token != fs.token
	fs.token = token
	onChange := fs.onChange
	fs.mu.Unlock()

	if changed && onChange != nil {
		onChange(token)
	}
	return nil
}
