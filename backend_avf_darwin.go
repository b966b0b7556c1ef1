//go:build darwin

package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pion/logging"
)

// The darwin backend loads libcapture_avf.dylib, a native shim wrapping
// AVFoundation camera capture and ScreenCaptureKit display capture.
// Camera frames arrive as I420 planes and are copied off shim memory;
// screen frames arrive as retained IOSurface references delivered as
// GPU texture envelopes whose token drops the retain.
var (
	avfOnce    sync.Once
	avfHandle  uintptr
	avfInitErr error
	avfLoaded  bool
)

// Authorization results reported by capture_avf_*_authorize.
const (
	avfAuthorized = 0
	avfDenied     = 1
	avfRestricted = 2
)

var (
	captureAVFLastError  func() uintptr
	captureAVFFreeString func(ptr uintptr)

	captureAVFCameraCount     func() int32
	captureAVFCameraID        func(index int32) uintptr
	captureAVFCameraLabel     func(index int32) uintptr
	captureAVFCameraAuthorize func() int32
	captureAVFCameraCreate    func(deviceID uintptr, width, height, fps int32, frameCB, statusCB, userData uintptr) int64
	captureAVFCameraStart     func(handle uint64) int32
	captureAVFCameraStop      func(handle uint64) int32
	captureAVFCameraDestroy   func(handle uint64)

	captureAVFDisplayCount    func() int32
	captureAVFDisplayID       func(index int32) uintptr
	captureAVFDisplayLabel    func(index int32) uintptr
	captureAVFScreenAuthorize func() int32
	captureAVFScreenCreate    func(displayID uintptr, width, height, fps int32, surfaceCB, statusCB, userData uintptr) int64
	captureAVFScreenStart     func(handle uint64) int32
	captureAVFScreenStop      func(handle uint64) int32
	captureAVFScreenDestroy   func(handle uint64)
	captureAVFSurfaceRelease  func(surface uintptr)
	captureAVFSurfaceMachPort func(surface uintptr) uintptr
)

func initAVF() {
	avfOnce.Do(func() {
		libPath := findShimLibrary("libcapture_avf.dylib")
		if libPath == "" {
			avfInitErr = fmt.Errorf("libcapture_avf.dylib not found")
			return
		}

		var err error
		avfHandle, err = purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			avfInitErr = fmt.Errorf("failed to load %s: %w", libPath, err)
			return
		}

		purego.RegisterLibFunc(&captureAVFLastError, avfHandle, "capture_avf_last_error")
		purego.RegisterLibFunc(&captureAVFFreeString, avfHandle, "capture_avf_free_string")
		purego.RegisterLibFunc(&captureAVFCameraCount, avfHandle, "capture_avf_camera_count")
		purego.RegisterLibFunc(&captureAVFCameraID, avfHandle, "capture_avf_camera_id")
		purego.RegisterLibFunc(&captureAVFCameraLabel, avfHandle, "capture_avf_camera_label")
		purego.RegisterLibFunc(&captureAVFCameraAuthorize, avfHandle, "capture_avf_camera_authorize")
		purego.RegisterLibFunc(&captureAVFCameraCreate, avfHandle, "capture_avf_camera_create")
		purego.RegisterLibFunc(&captureAVFCameraStart, avfHandle, "capture_avf_camera_start")
		purego.RegisterLibFunc(&captureAVFCameraStop, avfHandle, "capture_avf_camera_stop")
		purego.RegisterLibFunc(&captureAVFCameraDestroy, avfHandle, "capture_avf_camera_destroy")
		purego.RegisterLibFunc(&captureAVFDisplayCount, avfHandle, "capture_avf_display_count")
		purego.RegisterLibFunc(&captureAVFDisplayID, avfHandle, "capture_avf_display_id")
		purego.RegisterLibFunc(&captureAVFDisplayLabel, avfHandle, "capture_avf_display_label")
		purego.RegisterLibFunc(&captureAVFScreenAuthorize, avfHandle, "capture_avf_screen_authorize")
		purego.RegisterLibFunc(&captureAVFScreenCreate, avfHandle, "capture_avf_screen_create")
		purego.RegisterLibFunc(&captureAVFScreenStart, avfHandle, "capture_avf_screen_start")
		purego.RegisterLibFunc(&captureAVFScreenStop, avfHandle, "capture_avf_screen_stop")
		purego.RegisterLibFunc(&captureAVFScreenDestroy, avfHandle, "capture_avf_screen_destroy")
		purego.RegisterLibFunc(&captureAVFSurfaceRelease, avfHandle, "capture_avf_surface_release")
		purego.RegisterLibFunc(&captureAVFSurfaceMachPort, avfHandle, "capture_avf_surface_mach_port")

		avfLoaded = true
	})
}

func avfShimError(op string, code Code) error {
	ptr := captureAVFLastError()
	msg := goStringFromPtr(ptr)
	if ptr != 0 {
		captureAVFFreeString(ptr)
	}
	if msg == "" {
		return errCode(code, op, nil)
	}
	return errCodef(code, op, "%s", msg)
}

var (
	avfSessions   sync.Map // id -> *avfSession
	avfSessionSeq atomic.Uintptr
)

type avfSession struct {
	sink Sink
	pool *framePool
	live atomic.Bool
}

var (
	avfCBOnce    sync.Once
	avfFrameCB   uintptr
	avfSurfaceCB uintptr
	avfStatusCB  uintptr
)

func avfCallbacks() (frame, surface, status uintptr) {
	avfCBOnce.Do(func() {
		avfFrameCB = purego.NewCallback(avfFrameHandler)
		avfSurfaceCB = purego.NewCallback(avfSurfaceHandler)
		avfStatusCB = purego.NewCallback(avfStatusHandler)
	})
	return avfFrameCB, avfSurfaceCB, avfStatusCB
}

// avfFrameHandler receives camera frames as I420 planes in shim memory,
// valid only for the duration of the call; copy into pooled storage.
func avfFrameHandler(
	yPlane uintptr, yStride int32,
	uPlane uintptr, uStride int32,
	vPlane uintptr, vStride int32,
	width, height int32,
	timestampNs int64,
	userData uintptr,
) uintptr {
	v, ok := avfSessions.Load(userData)
	if !ok {
		return 0
	}
	s := v.(*avfSession)
	if !s.live.Load() {
		return 0
	}

	ySize := int(yStride) * int(height)
	uvHeight := int(height) / 2
	uSize := int(uStride) * uvHeight
	vSize := int(vStride) * uvHeight

	src := []Plane{
		{Data: unsafe.Slice((*byte)(unsafe.Pointer(yPlane)), ySize), Stride: int(yStride), Width: int(width), Height: int(height)},
		{Data: unsafe.Slice((*byte)(unsafe.Pointer(uPlane)), uSize), Stride: int(uStride), Width: int(width) / 2, Height: uvHeight},
		{Data: unsafe.Slice((*byte)(unsafe.Pointer(vPlane)), vSize), Stride: int(vStride), Width: int(width) / 2, Height: uvHeight},
	}
	planes, free := s.pool.copyPlanes(src)
	s.sink.Deliver(newCPUBuffer(MediaVideo, timestampNs, planes, free))
	return 0
}

// avfSurfaceHandler receives one retained IOSurface per screen frame.
// The retain is per-envelope: releasing the token drops it and never
// affects other in-flight frames. The mach port exported alongside is
// cross-process transferable and application-owned beyond release.
func avfSurfaceHandler(surface, device uintptr, width, height, size int32, timestampNs int64, userData uintptr) uintptr {
	v, ok := avfSessions.Load(userData)
	if !ok {
		captureAVFSurfaceRelease(surface)
		return 0
	}
	s := v.(*avfSession)
	if !s.live.Load() {
		captureAVFSurfaceRelease(surface)
		return 0
	}

	port := captureAVFSurfaceMachPort(surface)
	tex := GPUTexture{Handle: port, Device: device, Shared: true}
	buf := newGPUBuffer(timestampNs, tex, int(size), func() error {
		captureAVFSurfaceRelease(surface)
		return nil
	})
	s.sink.Deliver(buf)
	return 0
}

func avfStatusHandler(code int32, userData uintptr) uintptr {
	v, ok := avfSessions.Load(userData)
	if !ok {
		return 0
	}
	s := v.(*avfSession)
	if !s.live.Load() {
		return 0
	}
	switch code {
	case 1:
		s.sink.Fault(errCodef(CodePermissionSessionClosed, "capture", "capture session ended by system"))
	case 2:
		s.sink.Fault(errCodef(CodeDeviceLost, "capture", "device disconnected"))
	default:
		s.sink.Fault(errCodef(CodeSystemCallFailed, "capture", "avf status %d", code))
	}
	return 0
}

// avfDriver drives one AVFoundation or ScreenCaptureKit session.
type avfDriver struct {
	log    logging.LeveledLogger
	screen bool

	target string
	format Format
	handle uint64
	id     uintptr

	mu      sync.Mutex
	started bool
}

func (d *avfDriver) Init() error {
	initAVF()
	if !avfLoaded {
		return errCode(CodeNotSupported, "init", avfInitErr)
	}
	return nil
}

func (d *avfDriver) Configure(target string, format Format) error {
	if d.screen {
		if target != "" {
			if _, err := parseDisplayTarget(target); err != nil {
				return err
			}
		}
	} else if target == "" && captureAVFCameraCount() == 0 {
		return errCodef(CodeDeviceNotFound, "configure", "no cameras")
	}
	d.target = target
	d.format = format
	return nil
}

func (d *avfDriver) Start(sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errCode(CodeAlreadyRunning, "start", nil)
	}

	if d.screen {
		switch captureAVFScreenAuthorize() {
		case avfAuthorized:
		case avfDenied:
			return avfShimError("start", CodeUserCancelled)
		default:
			return avfShimError("start", CodePermissionFlowFailed)
		}
	} else if captureAVFCameraAuthorize() != avfAuthorized {
		return avfShimError("start", CodePermissionFlowFailed)
	}

	id := avfSessionSeq.Add(1)
	sess := &avfSession{sink: sink}
	if !d.screen {
		sess.pool = newFramePool(d.format.Width * d.format.Height * 3 / 2)
	}
	avfSessions.Store(id, sess)

	var targetPtr uintptr
	var targetBytes []byte
	if d.target != "" {
		targetBytes = append([]byte(d.target), 0)
		targetPtr = uintptr(unsafe.Pointer(&targetBytes[0]))
	}

	frameCB, surfaceCB, statusCB := avfCallbacks()
	var h int64
	if d.screen {
		h = captureAVFScreenCreate(targetPtr, int32(d.format.Width), int32(d.format.Height), int32(d.format.FPS), surfaceCB, statusCB, id)
	} else {
		h = captureAVFCameraCreate(targetPtr, int32(d.format.Width), int32(d.format.Height), int32(d.format.FPS), frameCB, statusCB, id)
	}
	if targetBytes != nil {
		_ = targetBytes[0]
	}
	if h <= 0 {
		avfSessions.Delete(id)
		return avfShimError("start", CodeDeviceNotFound)
	}

	var rc int32
	if d.screen {
		rc = captureAVFScreenStart(uint64(h))
	} else {
		rc = captureAVFCameraStart(uint64(h))
	}
	if rc != 0 {
		if d.screen {
			captureAVFScreenDestroy(uint64(h))
		} else {
			captureAVFCameraDestroy(uint64(h))
		}
		avfSessions.Delete(id)
		return avfShimError("start", CodeSystemCallFailed)
	}

	d.log.Infof("avf session %d started, target %q", h, d.target)
	sess.live.Store(true)
	d.handle, d.id = uint64(h), id
	d.started = true
	return nil
}

func (d *avfDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false

	// The shim stop joins its dispatch queue; no callback is in
	// flight once it returns.
	if d.screen {
		captureAVFScreenStop(d.handle)
		captureAVFScreenDestroy(d.handle)
	} else {
		captureAVFCameraStop(d.handle)
		captureAVFCameraDestroy(d.handle)
	}
	avfSessions.Delete(d.id)
	d.handle = 0
	return nil
}

func (d *avfDriver) Close() error { return d.Stop() }

func listAVFCameras(context.Context) ([]TargetInfo, error) {
	initAVF()
	if !avfLoaded {
		return nil, errCode(CodeNotSupported, "enumerate", avfInitErr)
	}
	count := captureAVFCameraCount()
	targets := make([]TargetInfo, 0, count)
	for i := int32(0); i < count; i++ {
		idPtr := captureAVFCameraID(i)
		labelPtr := captureAVFCameraLabel(i)
		if idPtr != 0 && labelPtr != 0 {
			targets = append(targets, TargetInfo{
				ID:    goStringFromPtr(idPtr),
				Label: goStringFromPtr(labelPtr),
				Kind:  TargetCamera,
			})
		}
		if idPtr != 0 {
			captureAVFFreeString(idPtr)
		}
		if labelPtr != 0 {
			captureAVFFreeString(labelPtr)
		}
	}
	if len(targets) == 0 {
		return nil, errCodef(CodeDeviceNotFound, "enumerate", "no cameras")
	}
	return targets, nil
}

func init() {
	registerBackend(&Backend{
		Name:   "avfoundation",
		Domain: DomainCamera,
		Probe: func(log logging.LeveledLogger) (Driver, error) {
			initAVF()
			if !avfLoaded {
				return nil, errCode(CodeNotSupported, "probe", avfInitErr)
			}
			return &avfDriver{log: log}, nil
		},
		Targets: listAVFCameras,
		Formats: func(ctx context.Context, target string) ([]Format, error) {
			return []Format{
				{Width: 1920, Height: 1080, FPS: 30, Pixel: PixelFormatI420},
				{Width: 1280, Height: 720, FPS: 30, Pixel: PixelFormatI420},
				{Width: 640, Height: 480, FPS: 30, Pixel: PixelFormatI420},
			}, nil
		},
	}, prioNative)

	registerBackend(&Backend{
		Name:   "screencapturekit",
		Domain: DomainScreen,
		Probe: func(log logging.LeveledLogger) (Driver, error) {
			initAVF()
			if !avfLoaded {
				return nil, errCode(CodeNotSupported, "probe", avfInitErr)
			}
			return &avfDriver{log: log, screen: true}, nil
		},
		Targets: func(ctx context.Context) ([]TargetInfo, error) {
			initAVF()
			if !avfLoaded {
				return nil, errCode(CodeNotSupported, "enumerate", avfInitErr)
			}
			count := captureAVFDisplayCount()
			targets := make([]TargetInfo, 0, count)
			for i := int32(0); i < count; i++ {
				idPtr := captureAVFDisplayID(i)
				labelPtr := captureAVFDisplayLabel(i)
				if idPtr != 0 && labelPtr != 0 {
					targets = append(targets, TargetInfo{
						ID:    goStringFromPtr(idPtr),
						Label: goStringFromPtr(labelPtr),
						Kind:  TargetDisplay,
					})
				}
				if idPtr != 0 {
					captureAVFFreeString(idPtr)
				}
				if labelPtr != 0 {
					captureAVFFreeString(labelPtr)
				}
			}
			if len(targets) == 0 {
				return nil, errCodef(CodeDeviceNotFound, "enumerate", "no displays")
			}
			return targets, nil
		},
	}, prioNative)
}
