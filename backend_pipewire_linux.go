//go:build linux

package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pion/logging"
	"golang.org/x/sys/unix"
)

// The PipeWire backend loads libcapture_pipewire.so, a native shim
// wrapping the xdg-desktop-portal ScreenCast flow and PipeWire stream
// capture. The portal grant is modeled as "create session -> opaque
// node handle or typed failure"; the shim dups one dmabuf descriptor
// per video frame before handing it to Go, so releasing an envelope
// never touches the compositor's buffer.
var (
	pwOnce    sync.Once
	pwHandle  uintptr
	pwInitErr error
	pwLoaded  bool
)

// Session create results below zero are typed portal failures.
const (
	pwErrGeneric   = -1
	pwErrCancelled = -2
	pwErrPortal    = -3
)

// Status callback codes.
const (
	pwStatusSessionClosed = 1
	pwStatusStreamError   = 2
)

var (
	capturePWLastError  func() uintptr
	capturePWFreeString func(ptr uintptr)

	capturePWScreenCreate  func(width, height, fps int32, videoCB, statusCB, userData uintptr) int64
	capturePWScreenStart   func(handle uint64) int32
	capturePWScreenStop    func(handle uint64) int32
	capturePWScreenDestroy func(handle uint64)

	capturePWLoopbackTargetCount func() int32
	capturePWLoopbackTargetID    func(index int32) uintptr
	capturePWLoopbackTargetName  func(index int32) uintptr
	capturePWLoopbackCreate      func(targetID uintptr, sampleRate, channels int32, audioCB, statusCB, userData uintptr) int64
	capturePWLoopbackStart       func(handle uint64) int32
	capturePWLoopbackStop        func(handle uint64) int32
	capturePWLoopbackDestroy     func(handle uint64)
)

func initPipeWire() {
	pwOnce.Do(func() {
		libPath := findShimLibrary("libcapture_pipewire.so")
		if libPath == "" {
			pwInitErr = fmt.Errorf("libcapture_pipewire.so not found")
			return
		}

		var err error
		pwHandle, err = purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			pwInitErr = fmt.Errorf("failed to load %s: %w", libPath, err)
			return
		}

		purego.RegisterLibFunc(&capturePWLastError, pwHandle, "capture_pw_last_error")
		purego.RegisterLibFunc(&capturePWFreeString, pwHandle, "capture_pw_free_string")
		purego.RegisterLibFunc(&capturePWScreenCreate, pwHandle, "capture_pw_screen_create")
		purego.RegisterLibFunc(&capturePWScreenStart, pwHandle, "capture_pw_screen_start")
		purego.RegisterLibFunc(&capturePWScreenStop, pwHandle, "capture_pw_screen_stop")
		purego.RegisterLibFunc(&capturePWScreenDestroy, pwHandle, "capture_pw_screen_destroy")
		purego.RegisterLibFunc(&capturePWLoopbackTargetCount, pwHandle, "capture_pw_loopback_target_count")
		purego.RegisterLibFunc(&capturePWLoopbackTargetID, pwHandle, "capture_pw_loopback_target_id")
		purego.RegisterLibFunc(&capturePWLoopbackTargetName, pwHandle, "capture_pw_loopback_target_name")
		purego.RegisterLibFunc(&capturePWLoopbackCreate, pwHandle, "capture_pw_loopback_create")
		purego.RegisterLibFunc(&capturePWLoopbackStart, pwHandle, "capture_pw_loopback_start")
		purego.RegisterLibFunc(&capturePWLoopbackStop, pwHandle, "capture_pw_loopback_stop")
		purego.RegisterLibFunc(&capturePWLoopbackDestroy, pwHandle, "capture_pw_loopback_destroy")

		pwLoaded = true
	})
}

func pwShimError(op string, code Code) error {
	ptr := capturePWLastError()
	msg := goStringFromPtr(ptr)
	if ptr != 0 {
		capturePWFreeString(ptr)
	}
	if msg == "" {
		return errCode(code, op, nil)
	}
	return errCodef(code, op, "%s", msg)
}

// Session routing: the shim calls back with the uintptr id we supplied
// at create time.
var (
	pwSessions   sync.Map // id -> *pwSession
	pwSessionSeq atomic.Uintptr
)

type pwSession struct {
	sink      Sink
	format    Format
	pool      *framePool
	delivered atomic.Bool // gates callbacks arriving before Start registration completes
}

var (
	pwVideoCBOnce sync.Once
	pwVideoCB     uintptr
	pwAudioCB     uintptr
	pwStatusCB    uintptr
)

func pwCallbacks() (video, audio, status uintptr) {
	pwVideoCBOnce.Do(func() {
		pwVideoCB = purego.NewCallback(pwVideoFrame)
		pwAudioCB = purego.NewCallback(pwAudioPacket)
		pwStatusCB = purego.NewCallback(pwStatus)
	})
	return pwVideoCB, pwAudioCB, pwStatusCB
}

// pwVideoFrame receives one dmabuf descriptor per frame. The fd is
// already a per-frame duplicate owned by Go; the envelope token closes
// it and the original stays with the compositor.
func pwVideoFrame(fd int32, fourcc uint32, stride, width, height, size int32, timestampNs int64, userData uintptr) uintptr {
	v, ok := pwSessions.Load(userData)
	if !ok {
		unix.Close(int(fd))
		return 0
	}
	s := v.(*pwSession)
	if !s.delivered.Load() {
		unix.Close(int(fd))
		return 0
	}

	dupFD := int(fd)
	buf := newDMABufBuffer(timestampNs, DMABuf{
		FD:     dupFD,
		Stride: int(stride),
		Fourcc: fourcc,
	}, int(size), func() error {
		return unix.Close(dupFD)
	})
	s.sink.Deliver(buf)
	return 0
}

// pwAudioPacket receives interleaved S16 samples from the loopback
// stream. Data is copied off the shim's ring before the callback
// returns.
func pwAudioPacket(data uintptr, byteLen, frames int32, timestampNs int64, userData uintptr) uintptr {
	v, ok := pwSessions.Load(userData)
	if !ok {
		return 0
	}
	s := v.(*pwSession)
	if !s.delivered.Load() || data == 0 || byteLen <= 0 {
		return 0
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(data)), int(byteLen))
	planes, free := s.pool.copyPlanes([]Plane{{Data: raw, Stride: int(byteLen)}})
	buf := newCPUBuffer(MediaAudio, timestampNs, planes, free)
	buf.SampleRate = s.format.SampleRate
	buf.Channels = s.format.Channels
	buf.SampleCount = int(frames)
	buf.Sample = SampleFormatS16
	s.sink.Deliver(buf)
	return 0
}

func pwStatus(code int32, userData uintptr) uintptr {
	v, ok := pwSessions.Load(userData)
	if !ok {
		return 0
	}
	s := v.(*pwSession)
	if !s.delivered.Load() {
		return 0
	}
	switch code {
	case pwStatusSessionClosed:
		s.sink.Fault(errCodef(CodePermissionSessionClosed, "capture", "portal session closed"))
	default:
		s.sink.Fault(errCodef(CodeDeviceLost, "capture", "pipewire stream error %d", code))
	}
	return 0
}

// pwScreenDriver captures a portal-granted screen as dmabuf envelopes.
type pwScreenDriver struct {
	log logging.LeveledLogger

	format Format
	handle uint64
	id     uintptr

	mu      sync.Mutex
	started bool
}

func (d *pwScreenDriver) Init() error {
	initPipeWire()
	if !pwLoaded {
		return errCode(CodeNotSupported, "init", pwInitErr)
	}
	return nil
}

func (d *pwScreenDriver) Configure(target string, format Format) error {
	// The portal flow picks the target interactively; a non-empty
	// target id is not honored by this backend.
	if target != "" {
		return errCodef(CodeNotSupported, "configure", "portal backend selects targets interactively")
	}
	d.format = format
	return nil
}

func (d *pwScreenDriver) Start(sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errCode(CodeAlreadyRunning, "start", nil)
	}

	id := pwSessionSeq.Add(1)
	sess := &pwSession{sink: sink, format: d.format}
	pwSessions.Store(id, sess)

	videoCB, _, statusCB := pwCallbacks()
	// Runs the portal request; blocks for the user's grant decision.
	h := capturePWScreenCreate(int32(d.format.Width), int32(d.format.Height), int32(d.format.FPS), videoCB, statusCB, id)
	if h <= 0 {
		pwSessions.Delete(id)
		switch h {
		case pwErrCancelled:
			return pwShimError("start", CodeUserCancelled)
		case pwErrPortal:
			return pwShimError("start", CodePermissionFlowFailed)
		default:
			return pwShimError("start", CodeSystemCallFailed)
		}
	}

	if rc := capturePWScreenStart(uint64(h)); rc != 0 {
		capturePWScreenDestroy(uint64(h))
		pwSessions.Delete(id)
		return pwShimError("start", CodeSystemCallFailed)
	}

	d.log.Infof("portal grant received, session %d", h)
	sess.delivered.Store(true)
	d.handle, d.id = uint64(h), id
	d.started = true
	return nil
}

func (d *pwScreenDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false

	// Blocks until the shim's loop thread has quiesced: no callback
	// can be in flight once this returns.
	capturePWScreenStop(d.handle)
	capturePWScreenDestroy(d.handle)
	pwSessions.Delete(d.id)
	d.handle = 0
	return nil
}

func (d *pwScreenDriver) Close() error { return d.Stop() }

// pwLoopbackDriver captures system or per-node audio via PipeWire.
type pwLoopbackDriver struct {
	log logging.LeveledLogger

	target string
	format Format
	handle uint64
	id     uintptr

	mu      sync.Mutex
	started bool
}

func (d *pwLoopbackDriver) Init() error {
	initPipeWire()
	if !pwLoaded {
		return errCode(CodeNotSupported, "init", pwInitErr)
	}
	return nil
}

func (d *pwLoopbackDriver) Configure(target string, format Format) error {
	if format.Sample != SampleFormatS16 {
		return errCodef(CodeFormatNotSupported, "configure", "loopback shim produces S16, got %s", format.Sample)
	}
	d.target = target
	d.format = format
	return nil
}

func (d *pwLoopbackDriver) Start(sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errCode(CodeAlreadyRunning, "start", nil)
	}

	id := pwSessionSeq.Add(1)
	// One second of samples per pooled block is ample for the shim's
	// 10-20 ms quantum.
	pool := newFramePool(d.format.SampleRate * d.format.Channels * 2)
	sess := &pwSession{sink: sink, format: d.format, pool: pool}
	pwSessions.Store(id, sess)

	var targetPtr uintptr
	var targetBytes []byte
	if d.target != "" {
		targetBytes = append([]byte(d.target), 0)
		targetPtr = uintptr(unsafe.Pointer(&targetBytes[0]))
	}

	_, audioCB, statusCB := pwCallbacks()
	h := capturePWLoopbackCreate(targetPtr, int32(d.format.SampleRate), int32(d.format.Channels), audioCB, statusCB, id)
	if targetBytes != nil {
		// Keep the target string alive across the call.
		_ = targetBytes[0]
	}
	if h <= 0 {
		pwSessions.Delete(id)
		return pwShimError("start", CodeDeviceNotFound)
	}
	if rc := capturePWLoopbackStart(uint64(h)); rc != 0 {
		capturePWLoopbackDestroy(uint64(h))
		pwSessions.Delete(id)
		return pwShimError("start", CodeSystemCallFailed)
	}

	d.log.Infof("loopback stream open, target %q", d.target)
	sess.delivered.Store(true)
	d.handle, d.id = uint64(h), id
	d.started = true
	return nil
}

func (d *pwLoopbackDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false

	capturePWLoopbackStop(d.handle)
	capturePWLoopbackDestroy(d.handle)
	pwSessions.Delete(d.id)
	d.handle = 0
	return nil
}

func (d *pwLoopbackDriver) Close() error { return d.Stop() }

func listLoopbackTargets(context.Context) ([]TargetInfo, error) {
	initPipeWire()
	if !pwLoaded {
		return nil, errCode(CodeNotSupported, "enumerate", pwInitErr)
	}
	count := capturePWLoopbackTargetCount()
	targets := make([]TargetInfo, 0, count)
	for i := int32(0); i < count; i++ {
		idPtr := capturePWLoopbackTargetID(i)
		namePtr := capturePWLoopbackTargetName(i)
		if idPtr != 0 && namePtr != 0 {
			targets = append(targets, TargetInfo{
				ID:    goStringFromPtr(idPtr),
				Label: goStringFromPtr(namePtr),
				Kind:  TargetAudio,
			})
		}
		if idPtr != 0 {
			capturePWFreeString(idPtr)
		}
		if namePtr != 0 {
			capturePWFreeString(namePtr)
		}
	}
	if len(targets) == 0 {
		return nil, errCodef(CodeDeviceNotFound, "enumerate", "no loopback-capable nodes")
	}
	return targets, nil
}

func init() {
	registerBackend(&Backend{
		Name:   "pipewire-portal",
		Domain: DomainScreen,
		Probe: func(log logging.LeveledLogger) (Driver, error) {
			initPipeWire()
			if !pwLoaded {
				return nil, errCode(CodeNotSupported, "probe", pwInitErr)
			}
			if os.Getenv("XDG_SESSION_TYPE") != "wayland" && os.Getenv("WAYLAND_DISPLAY") == "" {
				return nil, errCodef(CodeNotSupported, "probe", "no wayland session")
			}
			return &pwScreenDriver{log: log}, nil
		},
		Formats: func(ctx context.Context, target string) ([]Format, error) {
			return []Format{
				{Width: 1920, Height: 1080, FPS: 60, Pixel: PixelFormatBGRA32},
				{Width: 1920, Height: 1080, FPS: 30, Pixel: PixelFormatBGRA32},
			}, nil
		},
	}, prioNative)

	registerBackend(&Backend{
		Name:   "pipewire-loopback",
		Domain: DomainAudioLoopback,
		Probe: func(log logging.LeveledLogger) (Driver, error) {
			initPipeWire()
			if !pwLoaded {
				return nil, errCode(CodeNotSupported, "probe", pwInitErr)
			}
			return &pwLoopbackDriver{log: log}, nil
		},
		Targets: listLoopbackTargets,
		Formats: func(ctx context.Context, target string) ([]Format, error) {
			return []Format{
				{SampleRate: 48000, Channels: 2, Sample: SampleFormatS16},
				{SampleRate: 44100, Channels: 2, Sample: SampleFormatS16},
			}, nil
		},
	}, prioNative)
}
