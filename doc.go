// Package capture provides a cross-platform capture abstraction unifying
// camera, screen/window, and audio-loopback capture behind one
// asynchronous buffer-delivery contract.
//
// Key pieces include:
//   - Context, the per-capture lifecycle state machine
//     (Created -> Configured -> Running -> Configured, Destroyed terminal)
//   - an immutable per-domain backend registry with probe-in-order
//     selection and automatic rollback of failed candidates
//   - Buffer envelopes carrying exactly one content representation
//     (CPU planes, a shared GPU texture handle, or a duplicated kernel
//     buffer descriptor) and exactly one idempotent ReleaseToken
//   - static registry queries for target enumeration and supported
//     formats that never construct a Context
//
// # Architecture
//
//	NewContext(domain) -> Configure(target, format) -> Start(callback)
//	backend goroutine -> BufferCallback(*Buffer) -> Buffer.Release()
//	Stop() blocks until the backend loop has fully exited
//
// # Backends
//
// Built-in backends register themselves per platform: a synthetic test
// pattern (always available), display capture via kbinani/screenshot,
// V4L2 cameras via blackjack/webcam (linux), PipeWire portal screen and
// loopback capture via a purego-loaded shim (linux), AVFoundation and
// ScreenCaptureKit via a purego-loaded shim (darwin), and WASAPI
// loopback via go-wca (windows). Native shim bindings load
// libcapture_* libraries; set CAPTURE_SDK_LIB_PATH to the directory
// containing them.
//
// # Ownership
//
// Envelope content is valid until its token is released. Release is
// safe from any goroutine, including after Stop has returned, and a
// second Release on the same token is a documented no-op. GPU texture
// envelopes split ownership: the token owns a reference to the texture,
// while a cross-process-transferable raw handle passes to the
// application and must be closed by it (or the token detached).
package capture
