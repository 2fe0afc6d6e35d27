package tokenstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/lightforgemedia/xybot-console/pkg/filewatcher"
	"gopkg.in/yaml.v3"
)

// File is a Store backed by a YAML file, so a session survives restarts and
// is shared by every process pointed at the same path.
type File struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewFile returns a File store at path. The file is created on first Save.
func NewFile(path string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: path, logger: logger.With("component", "tokenstore", "path", path)}
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

func (f *File) Token() string {
	auth, err := f.Load()
	if err != nil {
		return ""
	}
	return auth.Token
}

// Load reads the file. Content that does not parse, or that lacks a token
// or a username, is treated as corrupt: the file is removed and ErrNoAuth
// returned.
func (f *File) Load() (Auth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Auth{}, ErrNoAuth
	}
	if err != nil {
		return Auth{}, fmt.Errorf("tokenstore: read %s: %w", f.path, err)
	}

	var auth Auth
	if err := yaml.Unmarshal(data, &auth); err != nil || auth.Token == "" || auth.Username == "" {
		f.logger.Warn("Stored credentials are corrupt, clearing", "error", err)
		if rmErr := f.remove(); rmErr != nil {
			f.logger.Error("Failed to clear corrupt credentials", "error", rmErr)
		}
		return Auth{}, ErrNoAuth
	}
	return auth, nil
}

// Save writes auth through a temporary file and a rename, so readers never
// observe a partial write.
func (f *File) Save(auth Auth) error {
	if auth.Token == "" {
		return ErrEmptyToken
	}
	data, err := yaml.Marshal(auth)
	if err != nil {
		return fmt.Errorf("tokenstore: encode: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("tokenstore: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("tokenstore: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenstore: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("tokenstore: replace %s: %w", f.path, err)
	}
	f.logger.Debug("Credentials saved", "username", auth.Username)
	return nil
}

func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.remove(); err != nil {
		return fmt.Errorf("tokenstore: clear: %w", err)
	}
	f.logger.Debug("Credentials cleared")
	return nil
}

func (f *File) remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Watch calls fn whenever the file changes on disk, with the credentials
// now stored or ErrNoAuth when they were removed. The returned stop func
// ends watching. The directory holding the file must exist.
func (f *File) Watch(fn func(Auth, error)) (stop func() error, err error) {
	w, err := filewatcher.New(
		filewatcher.WithLogger(f.logger),
		filewatcher.WithDirs(filepath.Dir(f.path)),
		filewatcher.WithPatterns(filepath.Base(f.path)),
	)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: watch: %w", err)
	}
	w.OnChange(func(c filewatcher.Change) {
		if c.Removed {
			fn(Auth{}, ErrNoAuth)
			return
		}
		fn(f.Load())
	})
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return nil, fmt.Errorf("tokenstore: watch: %w", err)
	}
	return w.Stop, nil
}
