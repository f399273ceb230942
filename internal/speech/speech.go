// Package speech defines the contracts the recording engine consumes: audio
// sources, streaming recognizers, and the capture permission probe. Concrete
// backends live outside the daemon core and are injected at wiring time.
package speech

import (
	"context"
	"errors"
	"time"

	"github.com/stenoproject/stenod/internal/domain"
)

// Format declares the PCM layout a source produces.
type Format struct {
	SampleRate int
	Channels   int
}

// Buffer is one chunk of interleaved float32 PCM samples.
type Buffer struct {
	Samples []float32
}

// Source produces a lazy stream of PCM buffers. Sources are single-use: one
// Start per instance. Stop releases all resources and is idempotent; after
// Stop the buffer channel is closed. The consumer must not assume any buffer
// cadence; delivery may be sub-real-time or bursty.
type Source interface {
	Start(ctx context.Context) (<-chan Buffer, Format, error)
	Stop() error
}

// SourceFactory opens capture sources and enumerates devices.
type SourceFactory interface {
	Microphone(device string) (Source, error)
	SystemAudio() (Source, error)
	ListDevices(ctx context.Context) ([]string, error)
}

// PermissionProbe checks that audio capture is allowed before any source is
// opened. A denial is permanent for the attempt and surfaces as a
// non-transient engine error.
type PermissionProbe interface {
	RequestCaptureAccess(ctx context.Context) error
}

// Result is one transient recognizer emission. Final results are committed
// utterances; non-final results are latest-wins hypotheses that need not be
// replayed once superseded.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence *float64
	Timestamp  time.Time
	Source     domain.Source
}

// ResultStream is the lazy, finite, non-restartable output of one Transcribe
// call. Results() closes when the buffer input ends or the recognizer is
// stopped; Err() is valid after the channel closes and is nil unless a real
// error terminated the stream.
type ResultStream interface {
	Results() <-chan Result
	Err() error
}

// Recognizer is a live recognition handle bound to one locale and format.
// Stop cancels the stream; subsequent reads observe end-of-stream. Stopping
// must terminate the upstream producer, never the other way around.
type Recognizer interface {
	Transcribe(ctx context.Context, buffers <-chan Buffer) (ResultStream, error)
	Stop() error
}

// RecognizerFactory constructs recognizer handles.
type RecognizerFactory interface {
	New(locale string, format Format) (Recognizer, error)
}

// ErrCancelled is the terminal error a recognizer stream reports when it was
// stopped rather than exhausted. The engine swallows it; anything else is a
// real pipeline error.
var ErrCancelled = errors.New("speech: recognition cancelled")

// IsCancellation reports whether err marks an expected, stop-driven stream
// termination. Recognizer backends should wrap ErrCancelled instead of
// encoding cancellation in message text.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return true
	}
	var marker interface{ IsCancellation() bool }
	return errors.As(err, &marker) && marker.IsCancellation()
}

// Peak returns the maximum absolute sample value of a buffer, used for level
// metering.
func Peak(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		v := float64(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}
