package disk

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// handlePool bounds the number of concurrently open payload files. When the
// cap is reached the least recently used handle is closed to make room.
// Reads go through ReadAt so a pooled handle can be shared.
type handlePool struct {
	mu   sync.Mutex
	max  int
	open map[string]*pooledHandle
}

type pooledHandle struct {
	f        *os.File
	lastUsed time.Time
}

func newHandlePool(max int) *handlePool {
	return &handlePool{
		max:  max,
		open: make(map[string]*pooledHandle),
	}
}

// get returns an open handle for path, reusing a pooled one when available.
func (p *handlePool) get(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.open[path]; ok {
		h.lastUsed = time.Now()
		return h.f, nil
	}

	if len(p.open) >= p.max {
		p.closeOldestLocked()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	p.open[path] = &pooledHandle{f: f, lastUsed: time.Now()}
	return f, nil
}

// forget closes and drops the handle for path. Called before the backing
// file is removed or replaced, so no descriptor dangles on a dead file.
func (p *handlePool) forget(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.open[path]; ok {
		h.f.Close()
		delete(p.open, path)
	}
}

func (p *handlePool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for path, h := range p.open {
		if err := h.f.Close(); err != nil {
			logrus.Errorf("disk: closing pooled handle %s: %v", path, err)
		}
		delete(p.open, path)
	}
}

func (p *handlePool) closeOldestLocked() {
	var oldestPath string
	var oldest time.Time
	for path, h := range p.open {
		if oldestPath == "" || h.lastUsed.Before(oldest) {
			oldestPath = path
			oldest = h.lastUsed
		}
	}
	if oldestPath != "" {
		p.open[oldestPath].f.Close()
		delete(p.open, oldestPath)
	}
}
