package httpserver

import (
	"embed"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

//go:embed web
var embeddedWeb embed.FS

// PageCache serves the capture page. A build ships with an embedded copy; an
// asset directory on disk overrides it and is watched so edits show up
// without a restart.
type PageCache struct {
	log *slog.Logger
	dir string

	mu    sync.RWMutex
	index []byte

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewPageCache(dir string, logger *slog.Logger) (*PageCache, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	embedded, err := embeddedWeb.ReadFile("web/index.html")
	if err != nil {
		return nil, err
	}

	p := &PageCache{
		log:   logger,
		dir:   dir,
		index: embedded,
		done:  make(chan struct{}),
	}

	if _, err := os.Stat(dir); err != nil {
		logger.Info("asset directory absent, serving embedded capture page", "dir", dir)
		return p, nil
	}

	p.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("asset watch unavailable", "err", err)
		return p, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		logger.Warn("asset watch unavailable", "dir", dir, "err", err)
		return p, nil
	}
	p.watcher = watcher
	go p.watch()

	return p, nil
}

// Index returns the current capture page bytes.
func (p *PageCache) Index() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index
}

// Assets returns the filesystem behind /assets/: the disk directory when
// present, the embedded copy otherwise.
func (p *PageCache) Assets() fs.FS {
	if _, err := os.Stat(p.dir); err == nil {
		return os.DirFS(p.dir)
	}
	sub, err := fs.Sub(embeddedWeb, "web")
	if err != nil {
		return embeddedWeb
	}
	return sub
}

func (p *PageCache) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

func (p *PageCache) reload() {
	data, err := os.ReadFile(filepath.Join(p.dir, "index.html"))
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn("capture page reload failed", "err", err)
		}
		return
	}
	p.mu.Lock()
	p.index = data
	p.mu.Unlock()
	p.log.Info("capture page loaded", "dir", p.dir, "bytes", len(data))
}

func (p *PageCache) watch() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "index.html" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				p.reload()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.log.Warn("asset watch error", "err", err)
		}
	}
}
