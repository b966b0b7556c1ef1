package capture

import "sync"

// framePool recycles byte storage for CPU envelopes copied off
// backend-owned memory. Release tokens return their planes here, so a
// slow application recycles instead of allocating per frame.
type framePool struct {
	size int
	pool sync.Pool
}

func newFramePool(size int) *framePool {
	p := &framePool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// get returns a buffer of at least the pool's size.
func (p *framePool) get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// put recycles a buffer obtained from get. Buffers of a different
// capacity (e.g. after a mid-stream format change) are dropped.
func (p *framePool) put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// copyPlanes deep-copies planes into pooled storage and returns the
// copies plus a free action that recycles them. The copy is what makes
// every envelope's memory independent of the backend's native buffer.
func (p *framePool) copyPlanes(planes []Plane) ([]Plane, func() error) {
	total := 0
	for _, pl := range planes {
		total += len(pl.Data)
	}
	if total > p.size {
		// Frame outgrew the pool; fall back to a plain allocation.
		out := make([]Plane, len(planes))
		for i, pl := range planes {
			out[i] = pl
			out[i].Data = append([]byte(nil), pl.Data...)
		}
		return out, nil
	}

	backing := p.get()[:total]
	out := make([]Plane, len(planes))
	off := 0
	for i, pl := range planes {
		dst := backing[off : off+len(pl.Data)]
		copy(dst, pl.Data)
		out[i] = pl
		out[i].Data = dst
		off += len(pl.Data)
	}
	return out, func() error {
		p.put(backing[:cap(backing)])
		return nil
	}
}
