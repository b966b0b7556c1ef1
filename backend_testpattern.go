package capture

import (
	"context"
	"sync"
	"time"

	"github.com/pion/logging"
)

// testPatternDriver is a synthetic camera backend generating SMPTE-style
// color bars. Always available, registered at the lowest priority, so
// the full lifecycle is exercisable without hardware.
type testPatternDriver struct {
	format Format
	pool   *framePool

	// Pre-rendered I420 pattern, copied into pooled planes per frame.
	yPlane []byte
	uPlane []byte
	vPlane []byte

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Simplified 8-bar SMPTE colors.
var colorBarsRGB = [8][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	yf := 0.299*rf + 0.587*gf + 0.114*bf
	uf := -0.169*rf - 0.331*gf + 0.5*bf + 128
	vf := 0.5*rf - 0.419*gf - 0.081*bf + 128
	clamp := func(f float64) uint8 {
		if f < 0 {
			return 0
		}
		if f > 255 {
			return 255
		}
		return uint8(f)
	}
	return clamp(yf), clamp(uf), clamp(vf)
}

func (d *testPatternDriver) Init() error { return nil }

func (d *testPatternDriver) Configure(target string, format Format) error {
	if target != "" && target != "pattern:bars" {
		return errCodef(CodeDeviceNotFound, "configure", "unknown pattern target %q", target)
	}
	if format.Pixel != PixelFormatI420 {
		return errCodef(CodeFormatNotSupported, "configure", "test pattern produces I420, got %s", format.Pixel)
	}

	// Even dimensions for 4:2:0 subsampling.
	w := (format.Width + 1) &^ 1
	h := (format.Height + 1) &^ 1
	format.Width, format.Height = w, h

	ySize := w * h
	uvSize := (w / 2) * (h / 2)
	d.yPlane = make([]byte, ySize)
	d.uPlane = make([]byte, uvSize)
	d.vPlane = make([]byte, uvSize)
	d.renderBars(w, h)

	d.format = format
	d.pool = newFramePool(ySize + uvSize*2)
	return nil
}

func (d *testPatternDriver) renderBars(w, h int) {
	barWidth := w / 8
	if barWidth == 0 {
		barWidth = 1
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			barIdx := x / barWidth
			if barIdx >= 8 {
				barIdx = 7
			}
			rgb := colorBarsRGB[barIdx]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])
			d.yPlane[y*w+x] = yVal
			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				d.uPlane[uvIdx] = u
				d.vPlane[uvIdx] = v
			}
		}
	}
}

func (d *testPatternDriver) Start(sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.generateLoop(sink, d.stopCh, d.doneCh)
	return nil
}

func (d *testPatternDriver) generateLoop(sink Sink, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	start := time.Now()
	ticker := time.NewTicker(time.Second / time.Duration(d.format.FPS))
	defer ticker.Stop()

	w, h := d.format.Width, d.format.Height
	src := []Plane{
		{Data: d.yPlane, Stride: w, Width: w, Height: h},
		{Data: d.uPlane, Stride: w / 2, Width: w / 2, Height: h / 2},
		{Data: d.vPlane, Stride: w / 2, Width: w / 2, Height: h / 2},
	}

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			planes, free := d.pool.copyPlanes(src)
			sink.Deliver(newCPUBuffer(MediaVideo, time.Since(start).Nanoseconds(), planes, free))
		}
	}
}

func (d *testPatternDriver) Stop() error {
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

func (d *testPatternDriver) Close() error { return d.Stop() }

func init() {
	registerBackend(&Backend{
		Name:   "testpattern",
		Domain: DomainCamera,
		Probe: func(logging.LeveledLogger) (Driver, error) {
			return &testPatternDriver{}, nil
		},
		Targets: func(ctx context.Context) ([]TargetInfo, error) {
			return []TargetInfo{{ID: "pattern:bars", Label: "Color bars", Kind: TargetCamera}}, nil
		},
		Formats: func(ctx context.Context, target string) ([]Format, error) {
			return []Format{
				{Width: 1280, Height: 720, FPS: 30, Pixel: PixelFormatI420},
				{Width: 640, Height: 480, FPS: 30, Pixel: PixelFormatI420},
			}, nil
		},
	}, prioTestPattern)
}
