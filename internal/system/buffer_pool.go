package system

import (
	"image"
	"sync"
)

// MaxPooledSizes caps how many distinct canvas sizes the shared pool tracks.
const MaxPooledSizes = 16

// CanvasPool recycles *image.RGBA buffers keyed by their bounds so that batch
// runs over same-sized photographs do not allocate a fresh canvas per image.
// Once maxSizes bounds are tracked, other sizes are allocated and dropped.
type CanvasPool struct {
	pools    map[image.Rectangle]*sync.Pool
	maxSizes int
	mu       sync.RWMutex
}

var canvases = NewCanvasPool(MaxPooledSizes)

// NewCanvasPool creates an empty pool tracking at most maxSizes distinct bounds.
func NewCanvasPool(maxSizes int) *CanvasPool {
	return &CanvasPool{pools: make(map[image.Rectangle]*sync.Pool), maxSizes: maxSizes}
}

// GetCanvas returns an RGBA buffer with the given bounds from the shared pool.
// Its contents are undefined; callers must overwrite every pixel.
func GetCanvas(rect image.Rectangle) *image.RGBA {
	return canvases.Get(rect)
}

// PutCanvas hands a buffer back to the shared pool.
func PutCanvas(img *image.RGBA) {
	canvases.Put(img)
}

// Sizes reports how many distinct bounds are tracked.
func (p *CanvasPool) Sizes() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pools)
}

func (p *CanvasPool) Get(rect image.Rectangle) *image.RGBA {
	p.mu.RLock()
	pool, ok := p.pools[rect]
	p.mu.RUnlock()

	if !ok {
		p.mu.Lock()
		pool, ok = p.pools[rect]
		if !ok && len(p.pools) >= p.maxSizes {
			p.mu.Unlock()
			return image.NewRGBA(rect)
		}
		if !ok {
			pool = &sync.Pool{
				New: func() any {
					return image.NewRGBA(rect)
				},
			}
			p.pools[rect] = pool
		}
		p.mu.Unlock()
	}

	return pool.Get().(*image.RGBA)
}

func (p *CanvasPool) Put(img *image.RGBA) {
	if img == nil {
		return
	}
	p.mu.RLock()
	pool, ok := p.pools[img.Rect]
	p.mu.RUnlock()

	if ok {
		pool.Put(img)
	}
}
