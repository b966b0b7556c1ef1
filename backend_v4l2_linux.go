//go:build linux

package capture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pion/logging"
)

// V4L2 fourcc codes this backend negotiates, in preference order.
const (
	fourccYUYV = webcam.PixelFormat(0x56595559) // 'YUYV'
	fourccNV12 = webcam.PixelFormat(0x3231564e) // 'NV12'
)

// v4l2Driver captures camera frames through the Video4Linux2 streaming
// API via blackjack/webcam. Frames arrive as packed YUY2 (or NV12) and
// are copied off the mmap'd kernel buffer into pooled storage before
// delivery, so the envelope outlives the requeued native buffer.
type v4l2Driver struct {
	log logging.LeveledLogger

	cam    *webcam.Webcam
	path   string
	format Format
	pool   *framePool

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

func v4l2Devices() []string {
	paths, _ := filepath.Glob("/dev/video[0-9]*")
	return paths
}

// v4l2Label reads the kernel-reported card name for a /dev/videoN node.
func v4l2Label(path string) string {
	name, err := os.ReadFile("/sys/class/video4linux/" + filepath.Base(path) + "/name")
	if err != nil {
		return path
	}
	return strings.TrimSpace(string(name))
}

func (d *v4l2Driver) Init() error { return nil }

func (d *v4l2Driver) Configure(target string, format Format) error {
	path := target
	if path == "" {
		devices := v4l2Devices()
		if len(devices) == 0 {
			return errCodef(CodeDeviceNotFound, "configure", "no /dev/video* nodes")
		}
		path = devices[0]
	}

	cam, err := webcam.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errCode(CodeDeviceNotFound, "configure", err)
		}
		return errCode(CodeDeviceBusy, "configure", err)
	}

	supported := cam.GetSupportedFormats()
	var fourcc webcam.PixelFormat
	var pixel PixelFormat
	switch {
	case supported[fourccYUYV] != "":
		fourcc, pixel = fourccYUYV, PixelFormatYUY2
	case supported[fourccNV12] != "":
		fourcc, pixel = fourccNV12, PixelFormatNV12
	default:
		cam.Close()
		return errCodef(CodeFormatNotSupported, "configure", "%s offers no YUYV/NV12 mode", path)
	}

	_, w, h, err := cam.SetImageFormat(fourcc, uint32(format.Width), uint32(format.Height))
	if err != nil {
		cam.Close()
		return errCode(CodeFormatNotSupported, "configure", err)
	}
	if err := cam.SetFramerate(float32(format.FPS)); err != nil {
		// Some drivers reject framerate control; capture at whatever
		// the device produces.
		d.log.Debugf("v4l2: %s: framerate not honored: %v", path, err)
	}

	if d.cam != nil {
		d.cam.Close()
	}
	d.cam = cam
	d.path = path
	format.Width, format.Height, format.Pixel = int(w), int(h), pixel
	d.format = format

	size := int(w) * int(h) * 2 // YUY2 worst case
	if pixel == PixelFormatNV12 {
		size = int(w) * int(h) * 3 / 2
	}
	d.pool = newFramePool(size)
	return nil
}

func (d *v4l2Driver) Start(sink Sink) error {
	if d.cam == nil {
		return errCode(CodeNotInitialized, "start", nil)
	}
	if err := d.cam.StartStreaming(); err != nil {
		return errCode(CodeSystemCallFailed, "start", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.captureLoop(sink, d.stopCh, d.doneCh)
	return nil
}

func (d *v4l2Driver) captureLoop(sink Sink, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	start := time.Now()
	w, h := d.format.Width, d.format.Height

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		err := d.cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			sink.Fault(errCodef(CodeDeviceLost, "capture", "%s: %v", d.path, err))
			return
		}

		raw, err := d.cam.ReadFrame()
		if err != nil {
			sink.Fault(errCodef(CodeDeviceLost, "capture", "%s: %v", d.path, err))
			return
		}
		if len(raw) == 0 {
			continue
		}

		src := d.rawPlanes(raw, w, h)
		planes, free := d.pool.copyPlanes(src)
		sink.Deliver(newCPUBuffer(MediaVideo, time.Since(start).Nanoseconds(), planes, free))
	}
}

func (d *v4l2Driver) rawPlanes(raw []byte, w, h int) []Plane {
	if d.format.Pixel == PixelFormatNV12 {
		ySize := w * h
		if len(raw) < ySize {
			return []Plane{{Data: raw, Stride: w, Width: w, Height: h}}
		}
		return []Plane{
			{Data: raw[:ySize], Stride: w, Width: w, Height: h},
			{Data: raw[ySize:], Stride: w, Width: w / 2, Height: h / 2},
		}
	}
	return []Plane{{Data: raw, Stride: w * 2, Width: w, Height: h}}
}

func (d *v4l2Driver) Stop() error {
	d.mu.Lock()
	stopCh, doneCh := d.stopCh, d.doneCh
	d.stopCh, d.doneCh = nil, nil
	d.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)
	<-doneCh
	if err := d.cam.StopStreaming(); err != nil {
		return errCode(CodeSystemCallFailed, "stop", err)
	}
	return nil
}

func (d *v4l2Driver) Close() error {
	err := d.Stop()
	if d.cam != nil {
		d.cam.Close()
		d.cam = nil
	}
	return err
}

func listV4L2Targets(context.Context) ([]TargetInfo, error) {
	devices := v4l2Devices()
	if len(devices) == 0 {
		return nil, errCodef(CodeDeviceNotFound, "enumerate", "no /dev/video* nodes")
	}
	targets := make([]TargetInfo, 0, len(devices))
	for _, path := range devices {
		targets = append(targets, TargetInfo{ID: path, Label: v4l2Label(path), Kind: TargetCamera})
	}
	return targets, nil
}

func listV4L2Formats(_ context.Context, target string) ([]Format, error) {
	path := target
	if path == "" {
		devices := v4l2Devices()
		if len(devices) == 0 {
			return nil, errCodef(CodeDeviceNotFound, "formats", "no /dev/video* nodes")
		}
		path = devices[0]
	}
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, errCode(CodeDeviceNotFound, "formats", err)
	}
	defer cam.Close()

	var formats []Format
	for fourcc := range cam.GetSupportedFormats() {
		var pixel PixelFormat
		switch fourcc {
		case fourccYUYV:
			pixel = PixelFormatYUY2
		case fourccNV12:
			pixel = PixelFormatNV12
		default:
			continue
		}
		for _, fs := range cam.GetSupportedFrameSizes(fourcc) {
			formats = append(formats, Format{
				Width:  int(fs.MaxWidth),
				Height: int(fs.MaxHeight),
				FPS:    30,
				Pixel:  pixel,
			})
		}
	}
	if len(formats) == 0 {
		return nil, errCodef(CodeFormatNotSupported, "formats", "%s offers no supported mode", path)
	}
	return formats, nil
}

func init() {
	registerBackend(&Backend{
		Name:   "v4l2",
		Domain: DomainCamera,
		Probe: func(log logging.LeveledLogger) (Driver, error) {
			if len(v4l2Devices()) == 0 {
				return nil, errCodef(CodeDeviceNotFound, "probe", "no /dev/video* nodes")
			}
			return &v4l2Driver{log: log}, nil
		},
		Targets: listV4L2Targets,
		Formats: listV4L2Formats,
	}, prioNative)
}
