package capture

// Domain selects which backend table a Context is built against.
type Domain int

const (
	DomainUnknown       Domain = iota
	DomainCamera               // Camera capture (platform-specific)
	DomainScreen               // Screen/window capture (platform-specific)
	DomainAudioLoopback        // System or per-process audio loopback
)

func (d Domain) String() string {
	switch d {
	case DomainCamera:
		return "Camera"
	case DomainScreen:
		return "Screen"
	case DomainAudioLoopback:
		return "AudioLoopback"
	default:
		return "Unknown"
	}
}

// MediaKind tags an envelope as video or audio.
type MediaKind int

const (
	MediaVideo MediaKind = iota
	MediaAudio
)

func (k MediaKind) String() string {
	switch k {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// mediaKind returns the envelope kind a domain produces.
func (d Domain) mediaKind() MediaKind {
	if d == DomainAudioLoopback {
		return MediaAudio
	}
	return MediaVideo
}
