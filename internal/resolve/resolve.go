// Package resolve maps request targets to filesystem resources asynchronously.
package resolve

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	ErrBadURL    = errors.New("resolve: malformed request target")
	ErrNotFound  = errors.New("resolve: resource not found")
	ErrForbidden = errors.New("resolve: path escapes document root")
	ErrClosed    = errors.New("resolve: resolver closed")
)

// Resolver resolves a request target asynchronously. When Resolve returns nil,
// done is called exactly once, on an arbitrary goroutine, and receives
// ownership of the Resource. When it returns an error, done is never called.
type Resolver interface {
	Resolve(url string, done func(*Resource)) error
}

// Config configures an FS resolver.
type Config struct {
	Root    string      // Document root
	Index   string      // File served for directories, empty to disable
	Workers int         // Worker pool size (0 for 4 per CPU)
	Logger  *zap.Logger // Logger for worker panics
}

// FS resolves targets beneath a document root using a bounded worker pool,
// the way an event loop offloads filesystem calls to a thread pool.
type FS struct {
	Pool
	root    string
	index   string
	workers *ants.Pool
}

// NewFS creates a resolver rooted at cfg.Root.
func NewFS(cfg Config) (*FS, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4 * runtime.NumCPU()
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve: root %q: %w", cfg.Root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("resolve: root %q: %w", cfg.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("resolve: root %q is not a directory", cfg.Root)
	}

	// Resolve is called on an event loop and must not wait for a free worker.
	workers, err := ants.NewPool(cfg.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			cfg.Logger.Error("resolver worker panic", zap.Any("panic", v))
		}))
	if err != nil {
		return nil, fmt.Errorf("resolve: worker pool: %w", err)
	}

	return &FS{
		root:    root,
		index:   cfg.Index,
		workers: workers,
	}, nil
}

// Root returns the absolute document root.
func (r *FS) Root() string { return r.root }

// Resolve implements Resolver. It fails with ants.ErrPoolOverload when every
// worker is busy.
func (r *FS) Resolve(target string, done func(*Resource)) error {
	res := r.Acquire(target)
	err := r.workers.Submit(func() {
		r.stat(res)
		done(res)
	})
	if err != nil {
		res.Release()
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrClosed
		}
		return fmt.Errorf("resolve: submit %s: %w", target, err)
	}
	return nil
}

// Close stops accepting work and waits for running resolutions.
func (r *FS) Close() error {
	return r.workers.ReleaseTimeout(5 * time.Second)
}

func (r *FS) stat(res *Resource) {
	p, err := targetPath(res.URL)
	if err != nil {
		res.Err = err
		return
	}

	full := filepath.Join(r.root, filepath.FromSlash(p))
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			res.Err = fmt.Errorf("%w: %s", ErrNotFound, p)
		} else {
			res.Err = fmt.Errorf("resolve: stat %s: %w", p, err)
		}
		return
	}

	if info.IsDir() && r.index != "" {
		idx := filepath.Join(full, r.index)
		if ii, err := os.Stat(idx); err == nil && ii.Mode().IsRegular() {
			full, info = idx, ii
		}
	}

	res.Path = full
	res.Size = info.Size()
	res.ModTime = info.ModTime()
	res.IsDir = info.IsDir()
	if !res.IsDir {
		res.ContentType = contentType(full)
	}
}

// targetPath reduces an origin-form or absolute-form target to a clean
// slash-separated path. Dot-dot segments are refused rather than cleaned away.
func targetPath(target string) (string, error) {
	if target == "" {
		return "", ErrBadURL
	}
	if target[0] != '/' {
		u, err := url.Parse(target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("%w: %q", ErrBadURL, target)
		}
		target = u.EscapedPath()
		if target == "" {
			target = "/"
		}
	}
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}

	p, err := url.PathUnescape(target)
	if err != nil || strings.IndexByte(p, 0) >= 0 {
		return "", fmt.Errorf("%w: %q", ErrBadURL, target)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrForbidden, target)
		}
	}
	return path.Clean(p), nil
}

func contentType(file string) string {
	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		return ct
	}
	m, err := mimetype.DetectFile(file)
	if err != nil {
		return "application/octet-stream"
	}
	return m.String()
}
