// ABOUTME: Audio sink contract consumed by the playback engine
// ABOUTME: Buffers are addressed by integer id across the completion boundary
package playback

import "github.com/Resonate-Protocol/resonate-duplex/pkg/audio"

// Sink opens playback handles on an output device
type Sink interface {
	// Open prepares the device for f. done is invoked once per submitted
	// buffer when the device no longer needs it, from any goroutine.
	Open(f audio.Format, done func(id int)) (Handle, error)
}

// Handle is one open output stream
type Handle interface {
	// Submit queues data for playback. It must not block and must not call done synchronously.
	Submit(id int, data []byte) error

	Pause() error
	Resume() error

	// Reset drops everything queued and completes each dropped buffer through done
	Reset() error

	// Close releases the device. Callers reset first so no buffer is outstanding.
	Close() error

	// SetVolume sets the output level in [0, 1]
	SetVolume(level float64)
}
