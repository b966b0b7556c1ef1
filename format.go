package capture

import "fmt"

// PixelFormat represents video pixel formats delivered in CPU envelopes.
type PixelFormat int

const (
	PixelFormatI420   PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                      // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatYUY2                      // Packed YUV 4:2:2 (V4L2 YUYV)
	PixelFormatRGBA32                    // Packed RGBA, 4 bytes per pixel
	PixelFormatBGRA32                    // Packed BGRA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatYUY2:
		return "YUY2"
	case PixelFormatRGBA32:
		return "RGBA32"
	case PixelFormatBGRA32:
		return "BGRA32"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3
	case PixelFormatNV12:
		return 2
	case PixelFormatYUY2, PixelFormatRGBA32, PixelFormatBGRA32:
		return 1
	default:
		return 0
	}
}

// SampleFormat represents audio sample formats.
type SampleFormat int

const (
	SampleFormatS16 SampleFormat = iota // Signed 16-bit PCM
	SampleFormatF32                     // 32-bit float
)

func (s SampleFormat) String() string {
	switch s {
	case SampleFormatS16:
		return "S16"
	case SampleFormatF32:
		return "F32"
	default:
		return "Unknown"
	}
}

// BytesPerSample returns the number of bytes per sample for this format.
func (s SampleFormat) BytesPerSample() int {
	switch s {
	case SampleFormatS16:
		return 2
	case SampleFormatF32:
		return 4
	default:
		return 0
	}
}

// Format describes the negotiated capture format. Video domains use the
// Width/Height/FPS/Pixel fields, the audio-loopback domain uses
// SampleRate/Channels/Sample; the unused half is ignored.
type Format struct {
	Width  int
	Height int
	FPS    int
	Pixel  PixelFormat

	SampleRate int
	Channels   int
	Sample     SampleFormat
}

// DefaultVideoFormat returns the fallback video format backends
// negotiate against when the caller leaves fields zero.
func DefaultVideoFormat() Format {
	return Format{Width: 1280, Height: 720, FPS: 30, Pixel: PixelFormatI420}
}

// DefaultAudioFormat returns the fallback loopback format.
func DefaultAudioFormat() Format {
	return Format{SampleRate: 48000, Channels: 2, Sample: SampleFormatS16}
}

func (f Format) String() string {
	if f.SampleRate > 0 {
		return fmt.Sprintf("%dHz/%dch %s", f.SampleRate, f.Channels, f.Sample)
	}
	return fmt.Sprintf("%dx%d@%d %s", f.Width, f.Height, f.FPS, f.Pixel)
}

// validVideo reports whether the video half describes a usable mode.
func (f Format) validVideo() bool {
	return f.Width > 0 && f.Height > 0 && f.FPS > 0
}

// validAudio reports whether the audio half describes a usable mode.
func (f Format) validAudio() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// TargetKind classifies an enumerated capture target.
type TargetKind int

const (
	TargetCamera  TargetKind = iota // A camera device
	TargetDisplay                   // A whole display
	TargetWindow                    // A single window
	TargetAudio                     // An audio endpoint or process stream
)

func (k TargetKind) String() string {
	switch k {
	case TargetCamera:
		return "camera"
	case TargetDisplay:
		return "display"
	case TargetWindow:
		return "window"
	case TargetAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// TargetInfo describes one enumerable capture target. The ID is an
// opaque backend-specific token; pass it unmodified to Configure.
type TargetInfo struct {
	ID    string
	Label string
	Kind  TargetKind
}
