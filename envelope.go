package capture

import "sync/atomic"

// ContentKind tags the active representation of a Buffer.
type ContentKind int

const (
	ContentCPU        ContentKind = iota // Mapped host memory planes
	ContentGPUTexture                    // Shared GPU texture handle
	ContentDMABuf                        // Duplicated kernel buffer descriptor
)

func (k ContentKind) String() string {
	switch k {
	case ContentCPU:
		return "cpu"
	case ContentGPUTexture:
		return "gpu-texture"
	case ContentDMABuf:
		return "dmabuf"
	default:
		return "unknown"
	}
}

// Plane is one plane of a CPU-mapped frame or sample block. Data is
// valid only until the envelope's token is released.
type Plane struct {
	Data   []byte
	Stride int
	Width  int
	Height int
}

// GPUTexture references a frame living in GPU memory. The token owns a
// reference to the underlying resource; Release drops that reference.
//
// When Handle is cross-process transferable (Shared is true) the raw
// handle itself is owned by the application beyond Release: the
// application must close it separately, or call Token().Detach() to
// assume ownership of the whole resource. This split is a deliberate
// contract of the shared-texture path, not an omission.
type GPUTexture struct {
	Handle uintptr // Platform texture or shared handle
	Device uintptr // Originating device, for interop validation
	Shared bool    // Handle is cross-process transferable
}

// DMABuf references device memory through a duplicated file-descriptor
// style handle. The descriptor is a per-envelope duplicate; Release
// closes it and never touches the producer's original.
type DMABuf struct {
	FD     int
	Stride int
	Fourcc uint32
}

// Content is the tagged representation variant of one envelope.
// Exactly one member, selected by Kind, is populated.
type Content struct {
	Kind    ContentKind
	Planes  []Plane // ContentCPU
	Texture GPUTexture
	DMA     DMABuf
}

// ReleaseToken frees whatever native resource backs one envelope.
// Release is idempotent and safe from any goroutine, including after
// Stop has returned; it never takes the Context lock.
type ReleaseToken struct {
	released atomic.Bool
	free     func() error
}

// NewReleaseToken wraps a backend-specific free action. A nil free is
// allowed for content whose storage is garbage collected.
func NewReleaseToken(free func() error) *ReleaseToken {
	return &ReleaseToken{free: free}
}

// Release frees the token's resource. The first call runs the free
// action; every later call is a no-op returning nil.
func (t *ReleaseToken) Release() error {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return nil
	}
	if t.free == nil {
		return nil
	}
	if err := t.free(); err != nil {
		return errCode(CodeSystemCallFailed, "release", err)
	}
	return nil
}

// Detach disarms the token without freeing anything: ownership of the
// native resource passes to the caller. Used with shared GPU handles
// the application intends to keep past the envelope's lifetime.
func (t *ReleaseToken) Detach() {
	if t != nil {
		t.released.Store(true)
	}
}

// Released reports whether the token has been released or detached.
func (t *ReleaseToken) Released() bool {
	return t == nil || t.released.Load()
}

// Buffer is one captured frame or audio packet flowing from a backend
// goroutine to the application callback. Ownership transfers to the
// application until it releases the token; buffers are delivered in
// production order on a single backend goroutine.
type Buffer struct {
	Kind      MediaKind
	Timestamp int64 // Monotonic capture timestamp, nanoseconds
	Size      int   // Payload size in bytes
	Content   Content

	// Audio metadata, populated for MediaAudio envelopes.
	SampleRate  int
	Channels    int
	SampleCount int
	Sample      SampleFormat

	token *ReleaseToken
}

// Token returns the envelope's release token, never nil for a
// delivered buffer.
func (b *Buffer) Token() *ReleaseToken { return b.token }

// Release surrenders the envelope's token. Equivalent to
// b.Token().Release().
func (b *Buffer) Release() error { return b.token.Release() }

// newCPUBuffer builds a CPU envelope. free runs once on release,
// typically returning pooled plane storage.
func newCPUBuffer(kind MediaKind, ts int64, planes []Plane, free func() error) *Buffer {
	size := 0
	for _, p := range planes {
		size += len(p.Data)
	}
	return &Buffer{
		Kind:      kind,
		Timestamp: ts,
		Size:      size,
		Content:   Content{Kind: ContentCPU, Planes: planes},
		token:     NewReleaseToken(free),
	}
}

// newGPUBuffer builds a GPU texture envelope. free drops the owned
// texture reference; the raw shared handle stays with the application.
func newGPUBuffer(ts int64, tex GPUTexture, size int, free func() error) *Buffer {
	return &Buffer{
		Kind:      MediaVideo,
		Timestamp: ts,
		Size:      size,
		Content:   Content{Kind: ContentGPUTexture, Texture: tex},
		token:     NewReleaseToken(free),
	}
}

// newDMABufBuffer builds a kernel-descriptor envelope around an
// already-duplicated fd. free closes the duplicate.
func newDMABufBuffer(ts int64, dma DMABuf, size int, free func() error) *Buffer {
	return &Buffer{
		Kind:      MediaVideo,
		Timestamp: ts,
		Size:      size,
		Content:   Content{Kind: ContentDMABuf, DMA: dma},
		token:     NewReleaseToken(free),
	}
}
