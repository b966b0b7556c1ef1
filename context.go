package capture

import (
	"errors"
	"sync"

	"github.com/pion/logging"
)

// State is the lifecycle state of a Context.
type State int

const (
	StateCreated    State = iota // Backend selected, not configured
	StateConfigured              // Target and format negotiated
	StateRunning                 // Backend goroutine producing envelopes
	StateDestroyed               // Terminal
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// BufferCallback receives envelopes synchronously on the backend's own
// goroutine. It has no return value: callback-side errors are the
// application's to handle. A slow callback throttles capture; the core
// provides no internal queue or backpressure. Per-callback state is
// captured by the closure.
type BufferCallback func(*Buffer)

// ContextConfig carries optional collaborators for NewContextWith.
type ContextConfig struct {
	// Registry overrides the default backend registry.
	Registry *Registry

	// LoggerFactory overrides the default pion logger factory. Logs
	// are fire-and-forget and never block control flow.
	LoggerFactory logging.LoggerFactory
}

// Context owns exactly one selected backend driver and drives its
// lifecycle. Configure, Start, Stop and Destroy must be serialized by
// the caller (one logical control thread); Release on tokens is the
// only operation safe from any goroutine at any time.
type Context struct {
	domain  Domain
	backend *Backend
	drv     Driver
	log     logging.LeveledLogger

	mu         sync.Mutex
	state      State
	target     string
	format     Format
	configured bool
	needJoin   bool
	lastErr    error

	// Callback storage has its own lock so delivery on the backend
	// goroutine never contends with the control lock held across
	// Stop's join.
	cbMu sync.RWMutex
	cb   BufferCallback
}

// NewContext selects a backend for the domain from the default
// registry and returns a Context in the Created state. On failure no
// Context is produced and nothing is leaked.
func NewContext(domain Domain) (*Context, error) {
	return NewContextWith(domain, ContextConfig{})
}

// NewContextWith is NewContext with explicit collaborators.
func NewContextWith(domain Domain, cfg ContextConfig) (*Context, error) {
	if domain != DomainCamera && domain != DomainScreen && domain != DomainAudioLoopback {
		return nil, errCodef(CodeInvalidArgument, "create", "unknown domain %d", int(domain))
	}
	reg := cfg.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	log := lf.NewLogger("capture")

	backend, drv, err := reg.selectDriver(domain, log)
	if err != nil {
		return nil, opErr("create", err)
	}
	return &Context{
		domain:  domain,
		backend: backend,
		drv:     drv,
		log:     log,
		state:   StateCreated,
	}, nil
}

// Domain returns the capture domain this Context was built for.
func (c *Context) Domain() Domain { return c.domain }

// BackendName returns the name of the selected backend.
func (c *Context) BackendName() string { return c.backend.Name }

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError reports the asynchronous fault, if any, that forced the
// most recent internal stop. Cleared by the next successful Start.
func (c *Context) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Configure negotiates a capture target and format. Allowed from
// Created or Configured; disallowed while Running. On failure the
// cached target/format are cleared and the Context drops back to
// Created, so a later Start correctly reports NotInitialized.
func (c *Context) Configure(target string, format Format) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDestroyed:
		return errCode(CodeInvalidHandle, "configure", nil)
	case StateRunning:
		return errCode(CodeAlreadyRunning, "configure", nil)
	}

	format, err := c.normalizeFormat(format)
	if err != nil {
		return err
	}

	if err := c.drv.Configure(target, format); err != nil {
		c.target, c.format, c.configured = "", Format{}, false
		if c.state == StateConfigured {
			c.state = StateCreated
		}
		return opErr("configure", err)
	}

	c.target, c.format, c.configured = target, format, true
	c.state = StateConfigured
	return nil
}

// normalizeFormat fills defaults for an all-zero format and rejects
// partially specified ones.
func (c *Context) normalizeFormat(f Format) (Format, error) {
	if c.domain.mediaKind() == MediaAudio {
		if f == (Format{}) {
			return DefaultAudioFormat(), nil
		}
		if !f.validAudio() {
			return f, errCodef(CodeInvalidArgument, "configure", "bad audio format %+v", f)
		}
		return f, nil
	}
	if f == (Format{}) {
		return DefaultVideoFormat(), nil
	}
	if !f.validVideo() {
		return f, errCodef(CodeInvalidArgument, "configure", "bad video format %+v", f)
	}
	return f, nil
}

// Target returns the cached target and format from the last successful
// Configure.
func (c *Context) Target() (string, Format) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, c.format
}

// Start begins capture. Requires Configured; the backend starts its own
// goroutine or event loop and delivers envelopes to cb until Stop. On
// backend failure the callback is cleared and the state stays
// Configured.
func (c *Context) Start(cb BufferCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == StateDestroyed:
		return errCode(CodeInvalidHandle, "start", nil)
	case c.state == StateRunning:
		return errCode(CodeAlreadyRunning, "start", nil)
	case c.state != StateConfigured || !c.configured:
		return errCode(CodeNotInitialized, "start", nil)
	case cb == nil:
		return errCodef(CodeInvalidArgument, "start", "nil callback")
	}

	// A prior fault self-stopped the driver without an explicit Stop.
	// Apply stop semantics now so the old loop is fully joined before
	// the driver starts a new one; Stop after a self-stop returns
	// without waiting.
	if c.needJoin {
		c.needJoin = false
		if err := c.drv.Stop(); err != nil {
			return opErr("start", err)
		}
	}

	c.cbMu.Lock()
	c.cb = cb
	c.cbMu.Unlock()

	if err := c.drv.Start(c); err != nil {
		c.cbMu.Lock()
		c.cb = nil
		c.cbMu.Unlock()
		return opErr("start", err)
	}

	c.lastErr = nil
	c.needJoin = true
	c.state = StateRunning
	return nil
}

// Stop halts capture and blocks until the backend's goroutine has fully
// exited, so no callback invocation can occur after it returns.
// Idempotent: stopping a non-running Context returns nil with no side
// effects.
func (c *Context) Stop() error {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return errCode(CodeInvalidHandle, "stop", nil)
	}
	needJoin := c.needJoin
	c.needJoin = false
	if c.state == StateRunning {
		c.state = StateConfigured
	}
	c.mu.Unlock()

	if !needJoin {
		return nil
	}

	// The join happens outside the control lock so late token
	// releases and fault notifications can never deadlock a stop.
	err := c.drv.Stop()

	c.cbMu.Lock()
	c.cb = nil
	c.cbMu.Unlock()

	if err != nil {
		return opErr("stop", err)
	}
	return nil
}

// Destroy stops capture if needed, releases the driver and backend
// references, and moves to the terminal Destroyed state. Every
// operation on a destroyed Context fails with InvalidHandle.
func (c *Context) Destroy() error {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return errCode(CodeInvalidHandle, "destroy", nil)
	}
	needJoin := c.needJoin
	c.needJoin = false
	running := c.state == StateRunning
	c.state = StateDestroyed
	c.target, c.format, c.configured = "", Format{}, false
	c.mu.Unlock()

	var firstErr error
	if needJoin || running {
		if err := c.drv.Stop(); err != nil && firstErr == nil {
			firstErr = opErr("destroy", err)
		}
	}

	c.cbMu.Lock()
	c.cb = nil
	c.cbMu.Unlock()

	if err := c.drv.Close(); err != nil && firstErr == nil {
		firstErr = opErr("destroy", err)
	}
	return firstErr
}

// Deliver implements Sink. Runs on the backend's goroutine; envelopes
// arriving after the callback has been cleared are released here so a
// stop can never leak in-flight buffers.
func (c *Context) Deliver(b *Buffer) {
	c.cbMu.RLock()
	cb := c.cb
	c.cbMu.RUnlock()

	if cb == nil {
		b.Release()
		return
	}
	cb(b)
}

// Fault implements Sink. An asynchronous runtime failure forces an
// internal stop indistinguishable from an explicit Stop: the callback
// ceases and the cause is retained for LastError and logged.
func (c *Context) Fault(err error) {
	c.log.Warnf("capture fault: %v", err)

	c.mu.Lock()
	if c.state == StateRunning {
		c.state = StateConfigured
		c.lastErr = err
	}
	c.mu.Unlock()

	c.cbMu.Lock()
	c.cb = nil
	c.cbMu.Unlock()
}

// opErr passes through taxonomy errors and maps anything else onto
// SystemCallFailed, keeping the single flat result channel.
func opErr(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return errCode(CodeSystemCallFailed, op, err)
}
