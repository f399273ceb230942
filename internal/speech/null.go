package speech

import (
	"context"
	"sync"
)

// The null backend satisfies the capture and recognition contracts on
// platforms where no real backend is compiled in. It produces no audio and
// recognizes nothing, but honors the lifecycle and cancellation semantics, so
// the daemon control plane stays fully operable.

// NullSourceFactory opens silent sources and reports no devices.
type NullSourceFactory struct{}

func (NullSourceFactory) Microphone(string) (Source, error) { return &nullSource{}, nil }
func (NullSourceFactory) SystemAudio() (Source, error)      { return &nullSource{}, nil }
func (NullSourceFactory) ListDevices(context.Context) ([]string, error) {
	return nil, nil
}

type nullSource struct {
	mu sync.Mutex
	ch chan Buffer
}

func (s *nullSource) Start(ctx context.Context) (<-chan Buffer, Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = make(chan Buffer)
	return s.ch, Format{SampleRate: 16000, Channels: 1}, nil
}

func (s *nullSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
	return nil
}

// NullRecognizerFactory yields recognizers whose streams end as soon as the
// buffer input does.
type NullRecognizerFactory struct{}

func (NullRecognizerFactory) New(string, Format) (Recognizer, error) {
	return &nullRecognizer{done: make(chan struct{})}, nil
}

type nullRecognizer struct {
	once sync.Once
	done chan struct{}
}

func (r *nullRecognizer) Transcribe(ctx context.Context, buffers <-chan Buffer) (ResultStream, error) {
	out := make(chan Result)
	go func() {
		defer close(out)
		for {
			select {
			case _, ok := <-buffers:
				if !ok {
					return
				}
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return &nullStream{ch: out}, nil
}

func (r *nullRecognizer) Stop() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

type nullStream struct {
	ch chan Result
}

func (s *nullStream) Results() <-chan Result { return s.ch }
func (s *nullStream) Err() error             { return nil }

// AllowAllProbe grants capture access unconditionally. Platform builds
// replace it with a real permission check.
type AllowAllProbe struct{}

func (AllowAllProbe) RequestCaptureAccess(context.Context) error { return nil }
