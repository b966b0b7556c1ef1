package capture

import (
	"context"
	"sort"
	"sync"

	"github.com/pion/logging"
)

// Sink receives envelopes and fault notifications from a driver's
// capture goroutine. Implemented by Context; drivers never call it
// after their Stop has returned.
type Sink interface {
	// Deliver hands one envelope to the application callback,
	// synchronously on the calling goroutine.
	Deliver(*Buffer)

	// Fault reports an asynchronous runtime failure (device removed,
	// permission session closed). The driver must be unwinding its
	// own loop when calling this: a later Stop must return without
	// waiting on anything.
	Fault(err error)
}

// Driver is the capability operation set of one selected backend
// instance. A driver is exclusively owned by the Context that selected
// it; its lifetime is nested inside the Context's.
type Driver interface {
	// Init completes initialization after a successful probe. On
	// failure the driver is rolled back with Close and selection
	// moves to the next candidate.
	Init() error

	// Configure negotiates a target and format. Must be side-effect
	// free on failure. Never called while running.
	Configure(target string, format Format) error

	// Start begins whatever goroutine or event loop produces
	// envelopes into the sink. It may block briefly for synchronous
	// platform setup but not for the capture's lifetime.
	Start(sink Sink) error

	// Stop halts production and blocks until the capture goroutine
	// has fully exited, so no further Deliver calls can occur after
	// it returns. Idempotent, including after a self-stop via Fault.
	Stop() error

	// Close releases driver-private state. Called exactly once,
	// after Stop semantics have been applied.
	Close() error
}

// Backend describes one candidate capture facility: a name, a cheap
// selection probe, and optional static query functions that operate
// without constructing a Context. Backends are created once at process
// scope and shared read-only between Contexts.
type Backend struct {
	Name   string
	Domain Domain

	// Probe checks availability and allocates a minimal driver. It
	// must leak nothing on failure.
	Probe func(log logging.LeveledLogger) (Driver, error)

	// Targets enumerates capture targets, nil when unsupported.
	Targets func(ctx context.Context) ([]TargetInfo, error)

	// Formats lists supported formats for a target, nil when
	// unsupported. An empty target means the default device.
	Formats func(ctx context.Context, target string) ([]Format, error)
}

// Registry is an ordered, per-domain table of backend candidates.
// Immutable after construction and freely shared.
type Registry struct {
	backends map[Domain][]*Backend
}

// NewRegistry builds a registry from candidates in the given priority
// order (earlier entries are preferred).
func NewRegistry(backends ...*Backend) *Registry {
	r := &Registry{backends: make(map[Domain][]*Backend)}
	for _, b := range backends {
		r.backends[b.Domain] = append(r.backends[b.Domain], b)
	}
	return r
}

// Backends returns the candidate list for a domain, in priority order.
// The returned slice is read-only.
func (r *Registry) Backends(d Domain) []*Backend {
	return r.backends[d]
}

// selectDriver tries candidates in declared order: probe, then full
// init; each failure is rolled back and the next candidate tried. This
// is the only place automatic retry across alternatives happens.
func (r *Registry) selectDriver(d Domain, log logging.LeveledLogger) (*Backend, Driver, error) {
	var lastErr error
	for _, b := range r.Backends(d) {
		drv, err := b.Probe(log)
		if err != nil {
			log.Debugf("backend %s: probe failed: %v", b.Name, err)
			lastErr = err
			continue
		}
		if err := drv.Init(); err != nil {
			log.Debugf("backend %s: init failed: %v", b.Name, err)
			drv.Close()
			lastErr = err
			continue
		}
		log.Infof("selected backend %s for %s", b.Name, d)
		return b, drv, nil
	}
	if lastErr == nil {
		lastErr = errCodef(CodeNotSupported, "select", "no backend registered for domain %s", d)
	}
	return nil, nil, lastErr
}

// EnumerateTargets queries candidates in priority order and returns the
// first non-empty result. Failures and empty device lists move on to
// the next candidate; if every backend refuses, the last failure wins.
func (r *Registry) EnumerateTargets(ctx context.Context, d Domain) ([]TargetInfo, error) {
	var lastErr error = errCodef(CodeNotSupported, "enumerate", "no backend registered for domain %s", d)
	for _, b := range r.Backends(d) {
		if b.Targets == nil {
			continue
		}
		targets, err := b.Targets(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if len(targets) == 0 {
			lastErr = errCodef(CodeDeviceNotFound, "enumerate", "backend %s reports no targets", b.Name)
			continue
		}
		return targets, nil
	}
	return nil, lastErr
}

// SupportedFormats queries candidates in priority order for the
// formats of a target; same try-next policy as EnumerateTargets.
func (r *Registry) SupportedFormats(ctx context.Context, d Domain, target string) ([]Format, error) {
	var lastErr error = errCodef(CodeNotSupported, "formats", "no backend registered for domain %s", d)
	for _, b := range r.Backends(d) {
		if b.Formats == nil {
			continue
		}
		formats, err := b.Formats(ctx, target)
		if err != nil {
			lastErr = err
			continue
		}
		if len(formats) == 0 {
			lastErr = errCodef(CodeFormatNotSupported, "formats", "backend %s reports no formats", b.Name)
			continue
		}
		return formats, nil
	}
	return nil, lastErr
}

// Registration priorities for built-in backends. Higher is tried first.
const (
	prioNative      = 100 // OS-native facility (PipeWire, AVFoundation, WASAPI, V4L2)
	prioFallback    = 50  // Generic polling fallbacks
	prioTestPattern = 0
)

// Built-in backends register here from platform init() functions. The
// builder is only touched before main runs; the default registry is
// materialized once on first use and immutable afterwards.
var builtin struct {
	mu      sync.Mutex
	entries []builtinEntry

	once sync.Once
	reg  *Registry
}

type builtinEntry struct {
	backend  *Backend
	priority int // higher is preferred
	seq      int // registration order, tie-breaker
}

func registerBackend(b *Backend, priority int) {
	builtin.mu.Lock()
	defer builtin.mu.Unlock()
	builtin.entries = append(builtin.entries, builtinEntry{b, priority, len(builtin.entries)})
}

// DefaultRegistry returns the process-wide registry of built-in
// backends, built once and shared read-only.
func DefaultRegistry() *Registry {
	builtin.once.Do(func() {
		builtin.mu.Lock()
		entries := append([]builtinEntry(nil), builtin.entries...)
		builtin.mu.Unlock()

		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].priority != entries[j].priority {
				return entries[i].priority > entries[j].priority
			}
			return entries[i].seq < entries[j].seq
		})
		backends := make([]*Backend, len(entries))
		for i, e := range entries {
			backends[i] = e.backend
		}
		builtin.reg = NewRegistry(backends...)
	})
	return builtin.reg
}

// EnumerateTargets lists capture targets for a domain using the
// default registry.
func EnumerateTargets(ctx context.Context, d Domain) ([]TargetInfo, error) {
	return DefaultRegistry().EnumerateTargets(ctx, d)
}

// SupportedFormats lists supported formats for a target using the
// default registry. An empty target means the default device.
func SupportedFormats(ctx context.Context, d Domain, target string) ([]Format, error) {
	return DefaultRegistry().SupportedFormats(ctx, d, target)
}
