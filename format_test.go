package capture

import (
	"errors"
	"testing"
)

func TestPixelFormat_PlaneCount(t *testing.T) {
	cases := []struct {
		format PixelFormat
		want   int
	}{
		{PixelFormatI420, 3},
		{PixelFormatNV12, 2},
		{PixelFormatYUY2, 1},
		{PixelFormatRGBA32, 1},
		{PixelFormatBGRA32, 1},
		{PixelFormat(99), 0},
	}
	for _, c := range cases {
		if got := c.format.PlaneCount(); got != c.want {
			t.Errorf("%s.PlaneCount() = %d, want %d", c.format, got, c.want)
		}
	}
}

func TestSampleFormat_BytesPerSample(t *testing.T) {
	if got := SampleFormatS16.BytesPerSample(); got != 2 {
		t.Errorf("S16 bytes = %d, want 2", got)
	}
	if got := SampleFormatF32.BytesPerSample(); got != 4 {
		t.Errorf("F32 bytes = %d, want 4", got)
	}
}

func TestFormat_String(t *testing.T) {
	v := Format{Width: 1920, Height: 1080, FPS: 30, Pixel: PixelFormatNV12}
	if v.String() != "1920x1080@30 NV12" {
		t.Errorf("video String = %q", v.String())
	}
	a := Format{SampleRate: 48000, Channels: 2, Sample: SampleFormatS16}
	if a.String() != "48000Hz/2ch S16" {
		t.Errorf("audio String = %q", a.String())
	}
}

func TestContext_AudioConfigureDefaults(t *testing.T) {
	drv := &fakeDriver{}
	reg := NewRegistry(fakeBackend("fake-loopback", DomainAudioLoopback, drv, nil))
	c, err := NewContextWith(DomainAudioLoopback, ContextConfig{Registry: reg})
	if err != nil {
		t.Fatalf("NewContextWith failed: %v", err)
	}

	if err := c.Configure("", Format{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	_, format := c.Target()
	if format != DefaultAudioFormat() {
		t.Errorf("cached format = %v, want default audio format", format)
	}

	// Channels without a rate is rejected before the driver sees it.
	if err := c.Configure("", Format{Channels: 2}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("partial audio format error = %v, want ErrInvalidArgument", err)
	}
}
