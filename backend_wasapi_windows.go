//go:build windows

package capture

import (
	"context"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
	"github.com/pion/logging"
)

// wasapiDriver captures what the system is playing by opening the
// default (or a named) render endpoint in shared-mode loopback. The
// engine mix is read as interleaved 16-bit PCM and copied into pooled
// storage before delivery.
type wasapiDriver struct {
	log logging.LeveledLogger

	target string
	format Format

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// comScope runs fn with COM initialized on a locked OS thread. The
// uninitialize is only balanced when our init actually took; a thread
// that already holds COM keeps it.
func comScope(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err == nil {
		defer ole.CoUninitialize()
	}
	return fn()
}

// wasapiEndpoint resolves a render endpoint. An empty id means the
// default console endpoint. Both returned interfaces must be released
// by the caller, on the same COM-initialized thread.
func wasapiEndpoint(id string) (*wca.IMMDeviceEnumerator, *wca.IMMDevice, error) {
	var de *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &de); err != nil {
		return nil, nil, errCode(CodeSystemCallFailed, "wasapi", err)
	}
	var mmd *wca.IMMDevice
	var err error
	if id == "" {
		err = de.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &mmd)
	} else {
		err = de.GetDevice(id, &mmd)
	}
	if err != nil {
		de.Release()
		return nil, nil, errCode(CodeDeviceNotFound, "wasapi", err)
	}
	return de, mmd, nil
}

func (d *wasapiDriver) Init() error {
	return comScope(func() error {
		de, mmd, err := wasapiEndpoint("")
		if err != nil {
			return err
		}
		mmd.Release()
		de.Release()
		return nil
	})
}

func (d *wasapiDriver) Configure(target string, format Format) error {
	if format.Sample != SampleFormatS16 {
		return errCodef(CodeFormatNotSupported, "configure", "loopback delivers S16, got %s", format.Sample)
	}
	err := comScope(func() error {
		de, mmd, err := wasapiEndpoint(target)
		if err != nil {
			return err
		}
		defer de.Release()
		defer mmd.Release()

		var ac *wca.IAudioClient
		if err := mmd.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &ac); err != nil {
			return errCode(CodeSystemCallFailed, "configure", err)
		}
		defer ac.Release()

		var wfx *wca.WAVEFORMATEX
		if err := ac.GetMixFormat(&wfx); err != nil {
			return errCode(CodeSystemCallFailed, "configure", err)
		}
		defer ole.CoTaskMemFree(uintptr(unsafe.Pointer(wfx)))

		// Loopback runs at the engine mix rate; shared-mode WASAPI
		// does not resample the capture side.
		if format.SampleRate != int(wfx.NSamplesPerSec) || format.Channels != int(wfx.NChannels) {
			return errCodef(CodeFormatNotSupported, "configure",
				"engine mix is %d Hz %d ch, got %d Hz %d ch",
				wfx.NSamplesPerSec, wfx.NChannels, format.SampleRate, format.Channels)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.target = target
	d.format = format
	return nil
}

func (d *wasapiDriver) Start(sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errCode(CodeAlreadyRunning, "start", nil)
	}

	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	setup := make(chan error, 1)
	go d.captureLoop(sink, setup)
	if err := <-setup; err != nil {
		<-d.doneCh
		return err
	}
	d.running = true
	return nil
}

func (d *wasapiDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.running = false
	close(d.stopCh)
	<-d.doneCh
	return nil
}

func (d *wasapiDriver) Close() error { return d.Stop() }

// captureLoop owns every COM interface it touches: setup, the packet
// drain loop, and teardown all happen on one locked thread. The result
// of setup is reported once on the setup channel.
func (d *wasapiDriver) captureLoop(sink Sink, setup chan<- error) {
	defer close(d.doneCh)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	comInit := false
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err == nil {
		comInit = true
	}
	defer func() {
		if comInit {
			ole.CoUninitialize()
		}
	}()

	de, mmd, err := wasapiEndpoint(d.target)
	if err != nil {
		setup <- err
		return
	}
	defer de.Release()
	defer mmd.Release()

	var ac *wca.IAudioClient
	if err := mmd.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &ac); err != nil {
		setup <- errCode(CodeSystemCallFailed, "start", err)
		return
	}
	defer ac.Release()

	var wfx *wca.WAVEFORMATEX
	if err := ac.GetMixFormat(&wfx); err != nil {
		setup <- errCode(CodeSystemCallFailed, "start", err)
		return
	}
	defer ole.CoTaskMemFree(uintptr(unsafe.Pointer(wfx)))

	// Capture the mix as interleaved 16-bit PCM at the engine rate.
	wfx.WFormatTag = 1 // WAVE_FORMAT_PCM
	wfx.WBitsPerSample = 16
	wfx.NBlockAlign = (wfx.WBitsPerSample / 8) * wfx.NChannels
	wfx.NAvgBytesPerSec = wfx.NSamplesPerSec * uint32(wfx.NBlockAlign)
	wfx.CbSize = 0

	var defaultPeriod, minimumPeriod wca.REFERENCE_TIME
	if err := ac.GetDevicePeriod(&defaultPeriod, &minimumPeriod); err != nil {
		setup <- errCode(CodeSystemCallFailed, "start", err)
		return
	}
	// REFERENCE_TIME is in 100 ns units.
	latency := time.Duration(int(defaultPeriod) * 100)

	if err := ac.Initialize(wca.AUDCLNT_SHAREMODE_SHARED, wca.AUDCLNT_STREAMFLAGS_LOOPBACK, defaultPeriod, 0, wfx, nil); err != nil {
		setup <- errCode(CodeFormatNotSupported, "start", err)
		return
	}

	var acc *wca.IAudioCaptureClient
	if err := ac.GetService(wca.IID_IAudioCaptureClient, &acc); err != nil {
		setup <- errCode(CodeSystemCallFailed, "start", err)
		return
	}
	defer acc.Release()

	if err := ac.Start(); err != nil {
		setup <- errCode(CodeSystemCallFailed, "start", err)
		return
	}
	defer ac.Stop()

	setup <- nil
	d.log.Debugf("loopback running at %d Hz %d ch", wfx.NSamplesPerSec, wfx.NChannels)

	blockAlign := int(wfx.NBlockAlign)
	pool := newFramePool(int(wfx.NSamplesPerSec) * blockAlign)

	for {
		select {
		case <-d.stopCh:
			return
		case <-time.After(latency / 2):
		}

		var frames uint32
		if err := acc.GetNextPacketSize(&frames); err != nil {
			sink.Fault(errCode(CodeDeviceLost, "capture", err))
			return
		}
		for frames != 0 {
			var (
				data        *byte
				flags       uint32
				devicePos   uint64
				qpcPosition uint64
			)
			if err := acc.GetBuffer(&data, &frames, &flags, &devicePos, &qpcPosition); err != nil {
				sink.Fault(errCode(CodeDeviceLost, "capture", err))
				return
			}

			n := int(frames) * blockAlign
			raw := unsafe.Slice(data, n)
			planes, free := pool.copyPlanes([]Plane{{Data: raw, Stride: n}})
			if flags&wca.AUDCLNT_BUFFERFLAGS_SILENT != 0 {
				clear(planes[0].Data)
			}

			buf := newCPUBuffer(MediaAudio, int64(qpcPosition)*100, planes, free)
			buf.SampleRate = d.format.SampleRate
			buf.Channels = d.format.Channels
			buf.SampleCount = int(frames)
			buf.Sample = SampleFormatS16
			sink.Deliver(buf)

			if err := acc.ReleaseBuffer(frames); err != nil {
				sink.Fault(errCode(CodeDeviceLost, "capture", err))
				return
			}
			if err := acc.GetNextPacketSize(&frames); err != nil {
				sink.Fault(errCode(CodeDeviceLost, "capture", err))
				return
			}
		}
	}
}

func listWASAPITargets(context.Context) ([]TargetInfo, error) {
	var targets []TargetInfo
	err := comScope(func() error {
		var de *wca.IMMDeviceEnumerator
		if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &de); err != nil {
			return errCode(CodeSystemCallFailed, "enumerate", err)
		}
		defer de.Release()

		var mmdc *wca.IMMDeviceCollection
		if err := de.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &mmdc); err != nil {
			return errCode(CodeSystemCallFailed, "enumerate", err)
		}
		defer mmdc.Release()

		var count uint32
		if err := mmdc.GetCount(&count); err != nil {
			return errCode(CodeSystemCallFailed, "enumerate", err)
		}
		for i := uint32(0); i < count; i++ {
			var mmd *wca.IMMDevice
			if err := mmdc.Item(i, &mmd); err != nil {
				continue
			}
			var id string
			if err := mmd.GetId(&id); err != nil {
				mmd.Release()
				continue
			}
			label := id
			var ps *wca.IPropertyStore
			if err := mmd.OpenPropertyStore(wca.STGM_READ, &ps); err == nil {
				var pv wca.PROPVARIANT
				if err := ps.GetValue(&wca.PKEY_Device_FriendlyName, &pv); err == nil {
					label = pv.String()
				}
				ps.Release()
			}
			mmd.Release()
			targets = append(targets, TargetInfo{ID: id, Label: label, Kind: TargetAudio})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errCodef(CodeDeviceNotFound, "enumerate", "no active render endpoints")
	}
	return targets, nil
}

func listWASAPIFormats(_ context.Context, target string) ([]Format, error) {
	var formats []Format
	err := comScope(func() error {
		de, mmd, err := wasapiEndpoint(target)
		if err != nil {
			return err
		}
		defer de.Release()
		defer mmd.Release()

		var ac *wca.IAudioClient
		if err := mmd.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &ac); err != nil {
			return errCode(CodeSystemCallFailed, "enumerate", err)
		}
		defer ac.Release()

		var wfx *wca.WAVEFORMATEX
		if err := ac.GetMixFormat(&wfx); err != nil {
			return errCode(CodeSystemCallFailed, "enumerate", err)
		}
		defer ole.CoTaskMemFree(uintptr(unsafe.Pointer(wfx)))

		formats = []Format{{
			SampleRate: int(wfx.NSamplesPerSec),
			Channels:   int(wfx.NChannels),
			Sample:     SampleFormatS16,
		}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return formats, nil
}

func init() {
	registerBackend(&Backend{
		Name:   "wasapi-loopback",
		Domain: DomainAudioLoopback,
		Probe: func(log logging.LeveledLogger) (Driver, error) {
			return &wasapiDriver{log: log}, nil
		},
		Targets: listWASAPITargets,
		Formats: listWASAPIFormats,
	}, prioNative)
}
