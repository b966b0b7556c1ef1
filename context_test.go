package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/logging"
)

// fakeDriver records every lifecycle call so tests can assert exact
// call counts without real hardware.
type fakeDriver struct {
	mu         sync.Mutex
	initErr    error
	configErr  error
	startErr   error
	configures int
	starts     int
	stops      int
	closes     int
	lastTarget string
	lastFormat Format
	sink       Sink
}

func (d *fakeDriver) Init() error { return d.initErr }

func (d *fakeDriver) Configure(target string, format Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configures++
	if d.configErr != nil {
		return d.configErr
	}
	d.lastTarget, d.lastFormat = target, format
	return nil
}

func (d *fakeDriver) Start(sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.startErr != nil {
		return d.startErr
	}
	d.sink = sink
	return nil
}

func (d *fakeDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDriver) counts() (configures, starts, stops, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configures, d.starts, d.stops, d.closes
}

func fakeBackend(name string, domain Domain, drv Driver, probeErr error) *Backend {
	return &Backend{
		Name:   name,
		Domain: domain,
		Probe: func(log logging.LeveledLogger) (Driver, error) {
			if probeErr != nil {
				return nil, probeErr
			}
			return drv, nil
		},
	}
}

func newTestContext(t *testing.T, drv Driver) *Context {
	t.Helper()
	reg := NewRegistry(fakeBackend("fake", DomainCamera, drv, nil))
	c, err := NewContextWith(DomainCamera, ContextConfig{Registry: reg})
	if err != nil {
		t.Fatalf("NewContextWith failed: %v", err)
	}
	return c
}

func TestNewContext_UnknownDomain(t *testing.T) {
	_, err := NewContext(Domain(99))
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown domain error = %v, want ErrInvalidArgument", err)
	}
}

func TestNewContext_NoBackends(t *testing.T) {
	reg := NewRegistry()
	_, err := NewContextWith(DomainScreen, ContextConfig{Registry: reg})
	if !errors.Is(err, ErrNotSupported) {
		t.Errorf("empty registry error = %v, want ErrNotSupported", err)
	}
}

func TestContext_InitialState(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if c.State() != StateCreated {
		t.Errorf("State = %v, want created", c.State())
	}
	if c.BackendName() != "fake" {
		t.Errorf("BackendName = %q, want fake", c.BackendName())
	}
	if c.Domain() != DomainCamera {
		t.Errorf("Domain = %v, want camera", c.Domain())
	}
}

func TestContext_StartBeforeConfigure(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	err := c.Start(func(*Buffer) {})
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Start error = %v, want ErrNotInitialized", err)
	}
	if _, starts, _, _ := drv.counts(); starts != 0 {
		t.Errorf("driver Start called %d times, want 0", starts)
	}
	if c.State() != StateCreated {
		t.Errorf("State after failed Start = %v, want created", c.State())
	}
}

func TestContext_ConfigureDefaults(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if c.State() != StateConfigured {
		t.Errorf("State = %v, want configured", c.State())
	}
	_, format := c.Target()
	if format != DefaultVideoFormat() {
		t.Errorf("cached format = %v, want default video format", format)
	}
}

func TestContext_ConfigurePartialFormat(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	// Width without height is rejected before the driver sees it.
	err := c.Configure("", Format{Width: 640})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("partial format error = %v, want ErrInvalidArgument", err)
	}
	if configures, _, _, _ := drv.counts(); configures != 0 {
		t.Errorf("driver Configure called %d times, want 0", configures)
	}
}

func TestContext_ConfigureWhileRunning(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	want := Format{Width: 640, Height: 480, FPS: 30}
	if err := c.Configure("cam0", want); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := c.Start(func(*Buffer) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := c.Configure("cam1", Format{Width: 320, Height: 240, FPS: 15})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Configure while running = %v, want ErrAlreadyRunning", err)
	}

	// The cached negotiation is untouched by the rejected call.
	target, format := c.Target()
	if target != "cam0" || format != want {
		t.Errorf("cached target/format = %q/%v, want cam0/%v", target, format, want)
	}
}

func TestContext_ConfigureFailureDropsToCreated(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Configure("cam0", Format{Width: 640, Height: 480, FPS: 30}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	drv.configErr = errCode(CodeFormatNotSupported, "configure", nil)
	err := c.Configure("cam0", Format{Width: 9999, Height: 9999, FPS: 240})
	if !errors.Is(err, ErrFormatNotSupported) {
		t.Errorf("Configure error = %v, want ErrFormatNotSupported", err)
	}

	if c.State() != StateCreated {
		t.Errorf("State after failed Configure = %v, want created", c.State())
	}
	if err := c.Start(func(*Buffer) {}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Start after failed Configure = %v, want ErrNotInitialized", err)
	}
}

func TestContext_ConfigureNoDevices(t *testing.T) {
	drv := &fakeDriver{configErr: errCodef(CodeDeviceNotFound, "configure", "zero devices")}
	c := newTestContext(t, drv)

	err := c.Configure("", Format{Width: 1920, Height: 1080, FPS: 30})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Configure error = %v, want ErrDeviceNotFound", err)
	}
}

func TestContext_StartNilCallback(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := c.Start(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Start(nil) = %v, want ErrInvalidArgument", err)
	}
}

func TestContext_StartFailureStaysConfigured(t *testing.T) {
	drv := &fakeDriver{startErr: errCode(CodeDeviceBusy, "start", nil)}
	c := newTestContext(t, drv)

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	err := c.Start(func(*Buffer) {})
	if !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("Start error = %v, want ErrDeviceBusy", err)
	}
	if c.State() != StateConfigured {
		t.Errorf("State after failed Start = %v, want configured", c.State())
	}

	// The callback slot is cleared: a stray delivery releases instead
	// of invoking the stale callback.
	released := false
	b := newCPUBuffer(MediaVideo, 0, nil, func() error { released = true; return nil })
	c.Deliver(b)
	if !released {
		t.Error("stray buffer after failed Start was not released")
	}
}

func TestContext_DoubleStart(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := c.Start(func(*Buffer) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Start(func(*Buffer) {}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if _, starts, _, _ := drv.counts(); starts != 1 {
		t.Errorf("driver Start called %d times, want 1", starts)
	}
}

func TestContext_StopIdempotent(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	// Stop before any Start is a no-op.
	if err := c.Stop(); err != nil {
		t.Errorf("Stop on configured context = %v, want nil", err)
	}
	if _, _, stops, _ := drv.counts(); stops != 0 {
		t.Errorf("driver Stop called %d times before running, want 0", stops)
	}

	if err := c.Start(func(*Buffer) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("first Stop = %v, want nil", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
	if _, _, stops, _ := drv.counts(); stops != 1 {
		t.Errorf("driver Stop called %d times, want exactly 1", stops)
	}
	if c.State() != StateConfigured {
		t.Errorf("State after Stop = %v, want configured", c.State())
	}
}

func TestContext_StartStopStart(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := c.Start(func(*Buffer) {}); err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
		if err := c.Stop(); err != nil {
			t.Fatalf("Stop %d failed: %v", i, err)
		}
	}
	if _, starts, stops, _ := drv.counts(); starts != 3 || stops != 3 {
		t.Errorf("starts/stops = %d/%d, want 3/3", starts, stops)
	}
}

func TestContext_DestroyWhileRunning(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := c.Start(func(*Buffer) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	_, _, stops, closes := drv.counts()
	if stops != 1 {
		t.Errorf("driver Stop called %d times, want exactly 1", stops)
	}
	if closes != 1 {
		t.Errorf("driver Close called %d times, want exactly 1", closes)
	}
	if c.State() != StateDestroyed {
		t.Errorf("State = %v, want destroyed", c.State())
	}
}

func TestContext_DestroyedIsTerminal(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	if err := c.Configure("", Format{}); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Configure after Destroy = %v, want ErrInvalidHandle", err)
	}
	if err := c.Start(func(*Buffer) {}); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Start after Destroy = %v, want ErrInvalidHandle", err)
	}
	if err := c.Stop(); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Stop after Destroy = %v, want ErrInvalidHandle", err)
	}
	if err := c.Destroy(); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("second Destroy = %v, want ErrInvalidHandle", err)
	}
}

func TestContext_DeliveryOrder(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	var got []int64
	if err := c.Start(func(b *Buffer) {
		got = append(got, b.Timestamp)
		b.Release()
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := int64(0); i < 10; i++ {
		drv.sink.Deliver(newCPUBuffer(MediaVideo, i, nil, nil))
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if len(got) != 10 {
		t.Fatalf("delivered %d buffers, want 10", len(got))
	}
	for i, ts := range got {
		if ts != int64(i) {
			t.Errorf("buffer %d has timestamp %d, want %d", i, ts, i)
		}
	}
}

func TestContext_DeliverAfterStopReleases(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	var calls atomic.Int32
	if err := c.Start(func(b *Buffer) {
		calls.Add(1)
		b.Release()
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	released := false
	drv.sink.Deliver(newCPUBuffer(MediaVideo, 0, nil, func() error {
		released = true
		return nil
	}))

	if calls.Load() != 0 {
		t.Errorf("callback ran %d times after Stop, want 0", calls.Load())
	}
	if !released {
		t.Error("buffer delivered after Stop was not released")
	}
}

func TestContext_ReleaseAfterStopFromOtherGoroutine(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	var held *Buffer
	if err := c.Start(func(b *Buffer) { held = b }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	freed := make(chan struct{})
	drv.sink.Deliver(newCPUBuffer(MediaVideo, 0, nil, func() error {
		close(freed)
		return nil
	}))
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Token release is legal from any goroutine after Stop returned.
	go held.Release()
	select {
	case <-freed:
	case <-time.After(time.Second):
		t.Fatal("release after Stop never freed the buffer")
	}
}

func TestContext_FaultStopsAndRecords(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := c.Start(func(*Buffer) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cause := errCodef(CodeDeviceLost, "capture", "device unplugged")
	drv.sink.Fault(cause)

	if c.State() != StateConfigured {
		t.Errorf("State after fault = %v, want configured", c.State())
	}
	if !errors.Is(c.LastError(), ErrDeviceLost) {
		t.Errorf("LastError = %v, want ErrDeviceLost", c.LastError())
	}

	// Deliveries racing the fault are released, not dispatched.
	released := false
	drv.sink.Deliver(newCPUBuffer(MediaVideo, 0, nil, func() error {
		released = true
		return nil
	}))
	if !released {
		t.Error("buffer delivered after fault was not released")
	}

	// Stop after a self-stop is still clean, and a restart clears the
	// recorded fault.
	if err := c.Stop(); err != nil {
		t.Errorf("Stop after fault = %v, want nil", err)
	}
	if err := c.Start(func(*Buffer) {}); err != nil {
		t.Fatalf("restart after fault failed: %v", err)
	}
	if c.LastError() != nil {
		t.Errorf("LastError after restart = %v, want nil", c.LastError())
	}
	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
}

func TestContext_RestartAfterFaultJoinsDriver(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestContext(t, drv)

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := c.Start(func(*Buffer) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	drv.sink.Fault(errCodef(CodeDeviceLost, "capture", "device unplugged"))

	// Restarting without an intervening Stop still applies stop
	// semantics to the faulted driver first.
	if err := c.Start(func(*Buffer) {}); err != nil {
		t.Fatalf("restart after fault failed: %v", err)
	}
	if _, starts, stops, _ := drv.counts(); starts != 2 || stops != 1 {
		t.Errorf("starts/stops = %d/%d, want 2/1", starts, stops)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, _, stops, _ := drv.counts(); stops != 2 {
		t.Errorf("driver Stop called %d times after explicit Stop, want 2", stops)
	}
}

func TestRegistry_FallbackSelection(t *testing.T) {
	bad := &fakeDriver{initErr: errCode(CodeDeviceNotFound, "init", nil)}
	good := &fakeDriver{}
	reg := NewRegistry(
		fakeBackend("native", DomainCamera, bad, nil),
		fakeBackend("fallback", DomainCamera, good, nil),
	)

	c, err := NewContextWith(DomainCamera, ContextConfig{Registry: reg})
	if err != nil {
		t.Fatalf("NewContextWith failed: %v", err)
	}
	if c.BackendName() != "fallback" {
		t.Errorf("selected backend = %q, want fallback", c.BackendName())
	}

	// The failed candidate was rolled back, exactly once.
	if _, _, _, closes := bad.counts(); closes != 1 {
		t.Errorf("failed candidate Close called %d times, want 1", closes)
	}
}

func TestRegistry_ProbeFailureSkipsCandidate(t *testing.T) {
	good := &fakeDriver{}
	reg := NewRegistry(
		fakeBackend("native", DomainCamera, nil, errCode(CodeNotSupported, "probe", nil)),
		fakeBackend("fallback", DomainCamera, good, nil),
	)

	c, err := NewContextWith(DomainCamera, ContextConfig{Registry: reg})
	if err != nil {
		t.Fatalf("NewContextWith failed: %v", err)
	}
	if c.BackendName() != "fallback" {
		t.Errorf("selected backend = %q, want fallback", c.BackendName())
	}
}

func TestRegistry_AllCandidatesFail(t *testing.T) {
	reg := NewRegistry(
		fakeBackend("a", DomainCamera, nil, errCode(CodeNotSupported, "probe", nil)),
		fakeBackend("b", DomainCamera, nil, errCode(CodeDeviceNotFound, "probe", nil)),
	)

	_, err := NewContextWith(DomainCamera, ContextConfig{Registry: reg})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("selection error = %v, want last candidate's ErrDeviceNotFound", err)
	}
}
