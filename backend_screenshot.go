package capture

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kbinani/screenshot"
	"github.com/pion/logging"
)

// screenshotDriver captures whole displays by polling the platform
// framebuffer via kbinani/screenshot. It is the generic fallback for
// the screen domain when no native duplication facility is usable;
// frames are delivered as CPU RGBA planes.
type screenshotDriver struct {
	log logging.LeveledLogger

	format  Format
	display int
	bounds  image.Rectangle
	pool    *framePool

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Consecutive CaptureRect failures tolerated before the session is
// declared lost. Transient failures happen around display mode changes.
const screenshotMaxFailures = 8

func (d *screenshotDriver) Init() error { return nil }

func parseDisplayTarget(target string) (int, error) {
	if target == "" {
		return 0, nil
	}
	idx, ok := strings.CutPrefix(target, "display:")
	if !ok {
		return 0, errCodef(CodeDeviceNotFound, "configure", "unknown display target %q", target)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return 0, errCodef(CodeInvalidArgument, "configure", "bad display index %q", target)
	}
	return n, nil
}

func (d *screenshotDriver) Configure(target string, format Format) error {
	display, err := parseDisplayTarget(target)
	if err != nil {
		return err
	}
	if display >= screenshot.NumActiveDisplays() {
		return errCodef(CodeDeviceNotFound, "configure", "display %d not present", display)
	}
	if format.Pixel != PixelFormatI420 && format.Pixel != PixelFormatRGBA32 {
		return errCodef(CodeFormatNotSupported, "configure", "screenshot backend produces RGBA32, got %s", format.Pixel)
	}

	bounds := screenshot.GetDisplayBounds(display)

	// Capture at native display size; requested dimensions are a hint.
	format.Pixel = PixelFormatRGBA32
	format.Width, format.Height = bounds.Dx(), bounds.Dy()

	d.display = display
	d.bounds = bounds
	d.format = format
	d.pool = newFramePool(bounds.Dx() * bounds.Dy() * 4)
	return nil
}

func (d *screenshotDriver) Start(sink Sink) error {
	// Probe one frame synchronously so start-time failures surface as
	// errors instead of an immediately faulting session.
	if _, err := screenshot.CaptureRect(d.bounds); err != nil {
		return errCode(CodeSystemCallFailed, "start", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.captureLoop(sink, d.stopCh, d.doneCh)
	return nil
}

func (d *screenshotDriver) captureLoop(sink Sink, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	start := time.Now()
	ticker := time.NewTicker(time.Second / time.Duration(d.format.FPS))
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			img, err := screenshot.CaptureRect(d.bounds)
			if err != nil {
				failures++
				if failures >= screenshotMaxFailures {
					sink.Fault(errCodef(CodeDeviceLost, "capture", "display %d: %v", d.display, err))
					return
				}
				d.log.Debugf("display %d capture failed (%d/%d): %v", d.display, failures, screenshotMaxFailures, err)
				continue
			}
			failures = 0

			planes, free := d.pool.copyPlanes([]Plane{{
				Data:   img.Pix,
				Stride: img.Stride,
				Width:  d.bounds.Dx(),
				Height: d.bounds.Dy(),
			}})
			sink.Deliver(newCPUBuffer(MediaVideo, time.Since(start).Nanoseconds(), planes, free))
		}
	}
}

func (d *screenshotDriver) Stop() error {
	d.mu.Lock()
	stopCh, doneCh := d.stopCh, d.doneCh
	d.stopCh, d.doneCh = nil, nil
	d.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)
	<-doneCh
	return nil
}

func (d *screenshotDriver) Close() error { return d.Stop() }

func listDisplays(context.Context) ([]TargetInfo, error) {
	n := screenshot.NumActiveDisplays()
	if n <= 0 {
		return nil, errCodef(CodeDeviceNotFound, "enumerate", "no active displays")
	}
	targets := make([]TargetInfo, 0, n)
	for i := 0; i < n; i++ {
		b := screenshot.GetDisplayBounds(i)
		targets = append(targets, TargetInfo{
			ID:    fmt.Sprintf("display:%d", i),
			Label: fmt.Sprintf("Display %d (%dx%d)", i, b.Dx(), b.Dy()),
			Kind:  TargetDisplay,
		})
	}
	return targets, nil
}

func init() {
	registerBackend(&Backend{
		Name:   "screenshot",
		Domain: DomainScreen,
		Probe: func(log logging.LeveledLogger) (Driver, error) {
			if screenshot.NumActiveDisplays() <= 0 {
				return nil, errCodef(CodeDeviceNotFound, "probe", "no active displays")
			}
			return &screenshotDriver{log: log}, nil
		},
		Targets: listDisplays,
		Formats: func(ctx context.Context, target string) ([]Format, error) {
			display, err := parseDisplayTarget(target)
			if err != nil {
				return nil, err
			}
			if display >= screenshot.NumActiveDisplays() {
				return nil, errCodef(CodeDeviceNotFound, "formats", "display %d not present", display)
			}
			b := screenshot.GetDisplayBounds(display)
			return []Format{
				{Width: b.Dx(), Height: b.Dy(), FPS: 30, Pixel: PixelFormatRGBA32},
				{Width: b.Dx(), Height: b.Dy(), FPS: 60, Pixel: PixelFormatRGBA32},
			}, nil
		},
	}, prioFallback)
}
