// Package engine owns the recording lifecycle: it opens audio sources, feeds
// recognizers, persists finalized segments with dense sequence numbers, and
// emits the event stream the broadcaster fans out. All recognition results
// funnel through a single consumer loop per run.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stenoproject/stenod/internal/domain"
	"github.com/stenoproject/stenod/internal/log"
	"github.com/stenoproject/stenod/internal/metrics"
	"github.com/stenoproject/stenod/internal/speech"
	"github.com/stenoproject/stenod/internal/store"
	"github.com/stenoproject/stenod/internal/summary"
)

// EventSink receives engine events. Implementations must not block.
type EventSink interface {
	HandleEngineEvent(ev domain.EngineEvent)
}

// Coordinator is the summary pipeline the engine notifies after each persisted
// segment and once more on stop. Both calls are best-effort and may return nil.
type Coordinator interface {
	OnSegmentSaved(ctx context.Context, sessionID string) *summary.Result
	Finalize(ctx context.Context, sessionID string) *summary.Result
}

// Options wires the engine's collaborators. Sources, Recognizers, Probe, Repo
// and Sink are required; Coordinator may be nil when no model backend is
// configured.
type Options struct {
	Sources     speech.SourceFactory
	Recognizers speech.RecognizerFactory
	Probe       speech.PermissionProbe
	Repo        store.Repository
	Coordinator Coordinator
	Sink        EventSink

	DefaultLocale string
	// LevelInterval is the emission cadence for aggregated level events.
	LevelInterval time.Duration
	// StopTimeout bounds the result drain during stop. A hung recognizer
	// forfeits its remaining results instead of wedging the daemon.
	StopTimeout time.Duration
	// PersistTimeout bounds each segment write.
	PersistTimeout time.Duration
}

const (
	defaultLevelInterval  = 100 * time.Millisecond
	defaultStopTimeout    = 5 * time.Second
	defaultPersistTimeout = 5 * time.Second

	maxTitleLen = 80
	// unavailableText mirrors the coordinator's placeholder for failed model
	// calls; it never becomes a session title.
	unavailableText = "(unavailable)"
)

// Engine is the recording state machine. Start and Stop are serialized;
// snapshot accessors are safe from any goroutine.
type Engine struct {
	opts   Options
	logger zerolog.Logger

	opMu sync.Mutex // serializes Start and Stop

	mu          sync.Mutex
	status      domain.EngineStatus
	session     *domain.Session
	device      string
	systemAudio bool
	seq         int
	run         *runState

	levMu      sync.Mutex
	micPeak    float64
	sysPeak    float64
	levelDirty bool
}

// runState holds everything scoped to one recording run.
type runState struct {
	cancel   context.CancelFunc
	pipes    []*pipeline
	msgs     chan pipelineMsg
	loopDone chan struct{}
	wg       sync.WaitGroup // feed and consume goroutines
	bg       sync.WaitGroup // async coordinator invocations
}

// pipeline is one source-to-recognizer chain.
type pipeline struct {
	tag     domain.Source
	src     speech.Source
	rec     speech.Recognizer
	stream  speech.ResultStream
	buffers <-chan speech.Buffer
	recIn   chan speech.Buffer
}

type pipelineMsg struct {
	source domain.Source
	res    speech.Result
	err    error
}

// New builds an idle engine.
func New(opts Options) *Engine {
	if opts.LevelInterval <= 0 {
		opts.LevelInterval = defaultLevelInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	return &Engine{
		opts:   opts,
		logger: log.WithComponent("engine"),
		status: domain.StatusIdle,
	}
}

// Start opens the audio pipelines, creates a new active session and moves the
// engine to recording. A failed system-audio source degrades the run to
// microphone only; every other setup failure aborts with an error state.
func (e *Engine) Start(ctx context.Context, locale, device string, systemAudio bool) (domain.Session, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if !e.status.CanStart() {
		e.mu.Unlock()
		return domain.Session{}, ErrAlreadyRecording
	}
	e.setStatusLocked(domain.StatusStarting)
	e.mu.Unlock()

	if locale == "" {
		locale = e.opts.DefaultLocale
	}

	if err := e.opts.Probe.RequestCaptureAccess(ctx); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		e.failStart(wrapped)
		return domain.Session{}, wrapped
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &runState{
		cancel:   cancel,
		msgs:     make(chan pipelineMsg, 64),
		loopDone: make(chan struct{}),
	}

	mic, err := e.openPipeline(runCtx, domain.SourceMicrophone, locale, func() (speech.Source, error) {
		return e.opts.Sources.Microphone(device)
	})
	if err != nil {
		cancel()
		e.failStart(err)
		return domain.Session{}, err
	}
	run.pipes = append(run.pipes, mic)

	sysEnabled := false
	if systemAudio {
		sys, sysErr := e.openPipeline(runCtx, domain.SourceSystemAudio, locale, e.opts.Sources.SystemAudio)
		if sysErr != nil {
			e.logger.Warn().Err(sysErr).Msg("system audio unavailable, continuing microphone only")
			e.emit(domain.EngineError{Message: "system audio unavailable: " + sysErr.Error(), Transient: true})
		} else {
			run.pipes = append(run.pipes, sys)
			sysEnabled = true
		}
	}

	sess, err := e.opts.Repo.CreateSession(ctx, locale)
	if err != nil {
		e.teardown(run)
		wrapped := fmt.Errorf("create session: %w", err)
		e.failStart(wrapped)
		return domain.Session{}, wrapped
	}

	e.mu.Lock()
	e.session = &sess
	e.device = device
	e.systemAudio = sysEnabled
	e.seq = 0
	e.run = run
	e.setStatusLocked(domain.StatusRecording)
	e.mu.Unlock()
	e.resetLevels()

	for _, p := range run.pipes {
		run.wg.Add(2)
		go e.feed(runCtx, p, run)
		go e.consume(p, run)
	}
	go func() {
		run.wg.Wait()
		close(run.msgs)
	}()
	go e.loop(sess, run)

	e.logger.Info().
		Str(log.FieldSessionID, sess.ID).
		Str("locale", locale).
		Bool("system_audio", sysEnabled).
		Msg("recording started")
	return sess, nil
}

// Stop tears the pipelines down in reverse order, drains the remaining
// results, runs the final summary pass and completes the session. It is a
// no-op when the engine is not recording.
func (e *Engine) Stop(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.status != domain.StatusRecording || e.run == nil {
		e.mu.Unlock()
		return nil
	}
	run := e.run
	sess := *e.session
	e.setStatusLocked(domain.StatusStopping)
	e.mu.Unlock()

	for i := len(run.pipes) - 1; i >= 0; i-- {
		p := run.pipes[i]
		if err := p.rec.Stop(); err != nil {
			e.logger.Warn().Err(err).Str(log.FieldSource, string(p.tag)).Msg("recognizer stop failed")
		}
		if err := p.src.Stop(); err != nil {
			e.logger.Warn().Err(err).Str(log.FieldSource, string(p.tag)).Msg("source stop failed")
		}
	}
	run.cancel()

	select {
	case <-run.loopDone:
	case <-time.After(e.opts.StopTimeout):
		e.logger.Warn().Str(log.FieldSessionID, sess.ID).Msg("result drain timed out, abandoning remaining results")
	}
	run.bg.Wait()

	if e.opts.Coordinator != nil {
		if res := e.opts.Coordinator.Finalize(ctx, sess.ID); res != nil {
			e.maybeSetTitle(ctx, sess, res.BriefSummary)
			if len(res.Topics) > 0 {
				e.emit(domain.TopicsUpdated{Topics: res.Topics})
			}
		}
	}
	if err := e.opts.Repo.EndSession(ctx, sess.ID); err != nil {
		e.logger.Error().Err(err).Str(log.FieldSessionID, sess.ID).Msg("end session failed")
	}

	e.mu.Lock()
	segments := e.seq
	e.session = nil
	e.device = ""
	e.systemAudio = false
	e.run = nil
	e.setStatusLocked(domain.StatusIdle)
	e.mu.Unlock()
	e.resetLevels()

	e.logger.Info().
		Str(log.FieldSessionID, sess.ID).
		Int("segments", segments).
		Msg("recording stopped")
	return nil
}

// Status returns the current lifecycle state.
func (e *Engine) Status() domain.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// CurrentSession returns a copy of the active session, if any.
func (e *Engine) CurrentSession() (domain.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return domain.Session{}, false
	}
	return *e.session, true
}

// CurrentDevice returns the microphone device of the active run.
func (e *Engine) CurrentDevice() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// SystemAudioEnabled reports whether the active run captures system audio.
func (e *Engine) SystemAudioEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.systemAudio
}

// SegmentCount returns the number of segments persisted in the active run.
func (e *Engine) SegmentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Devices enumerates capture devices.
func (e *Engine) Devices(ctx context.Context) ([]string, error) {
	return e.opts.Sources.ListDevices(ctx)
}

func (e *Engine) openPipeline(runCtx context.Context, tag domain.Source, locale string, open func() (speech.Source, error)) (*pipeline, error) {
	src, err := open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAudioSource, tag, err)
	}
	buffers, format, err := src.Start(runCtx)
	if err != nil {
		_ = src.Stop()
		return nil, fmt.Errorf("%w: %s: %v", ErrAudioSource, tag, err)
	}
	rec, err := e.opts.Recognizers.New(locale, format)
	if err != nil {
		_ = src.Stop()
		return nil, fmt.Errorf("%w: %s: %v", ErrRecognizer, tag, err)
	}
	recIn := make(chan speech.Buffer, 8)
	stream, err := rec.Transcribe(runCtx, recIn)
	if err != nil {
		_ = rec.Stop()
		_ = src.Stop()
		return nil, fmt.Errorf("%w: %s: %v", ErrRecognizer, tag, err)
	}
	return &pipeline{tag: tag, src: src, rec: rec, stream: stream, buffers: buffers, recIn: recIn}, nil
}

// teardown releases pipelines whose goroutines have not been started yet.
func (e *Engine) teardown(run *runState) {
	for i := len(run.pipes) - 1; i >= 0; i-- {
		_ = run.pipes[i].rec.Stop()
		_ = run.pipes[i].src.Stop()
	}
	run.cancel()
}

// feed pumps PCM buffers from the source into the recognizer, sampling peaks
// for level metering on the way through.
func (e *Engine) feed(runCtx context.Context, p *pipeline, run *runState) {
	defer run.wg.Done()
	defer close(p.recIn)
	for {
		select {
		case buf, ok := <-p.buffers:
			if !ok {
				return
			}
			e.notePeak(p.tag, speech.Peak(buf.Samples))
			select {
			case p.recIn <- buf:
			case <-runCtx.Done():
				return
			}
		case <-runCtx.Done():
			return
		}
	}
}

// consume forwards one pipeline's recognition results into the run loop. A
// terminal stream error is forwarded unless it marks an ordinary stop.
func (e *Engine) consume(p *pipeline, run *runState) {
	defer run.wg.Done()
	for res := range p.stream.Results() {
		run.msgs <- pipelineMsg{source: p.tag, res: res}
	}
	if err := p.stream.Err(); err != nil && !speech.IsCancellation(err) {
		run.msgs <- pipelineMsg{source: p.tag, err: err}
	}
}

// loop is the single consumer for one run. It exits when every pipeline
// goroutine finished and the message channel closed.
func (e *Engine) loop(sess domain.Session, run *runState) {
	defer close(run.loopDone)
	ticker := time.NewTicker(e.opts.LevelInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-run.msgs:
			if !ok {
				return
			}
			if msg.err != nil {
				e.logger.Error().Err(msg.err).
					Str(log.FieldSessionID, sess.ID).
					Str(log.FieldSource, string(msg.source)).
					Msg("recognition pipeline failed")
				e.emit(domain.EngineError{Message: "recognition failed: " + msg.err.Error(), Transient: true})
				continue
			}
			e.handleResult(sess, run, msg.source, msg.res)
		case <-ticker.C:
			e.flushLevels()
		}
	}
}

// handleResult turns a recognizer emission into a partial event or a persisted
// segment. The sequence counter only advances after a successful write.
func (e *Engine) handleResult(sess domain.Session, run *runState, src domain.Source, res speech.Result) {
	text := domain.TrimSegmentText(res.Text)
	if !res.IsFinal {
		if text != "" {
			e.emit(domain.PartialText{Text: text, Source: src})
		}
		return
	}
	if text == "" {
		return
	}

	e.mu.Lock()
	if e.session == nil || e.session.ID != sess.ID {
		e.mu.Unlock()
		return
	}
	next := e.seq + 1
	e.mu.Unlock()

	now := time.Now().UTC()
	started := res.Timestamp.UTC()
	if res.Timestamp.IsZero() {
		started = now
	}
	seg := domain.Segment{
		ID:             uuid.NewString(),
		SessionID:      sess.ID,
		Text:           text,
		StartedAt:      started,
		EndedAt:        now,
		Confidence:     res.Confidence,
		SequenceNumber: next,
		Source:         src,
		CreatedAt:      now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.PersistTimeout)
	err := e.opts.Repo.SaveSegment(ctx, seg)
	cancel()
	if err != nil {
		metrics.SegmentPersistFailuresTotal.Inc()
		e.logger.Error().Err(err).
			Str(log.FieldSessionID, sess.ID).
			Int(log.FieldSequence, next).
			Msg("segment persist failed")
		e.emit(domain.EngineError{Message: "segment persist failed: " + err.Error(), Transient: true})
		return
	}

	e.mu.Lock()
	e.seq = next
	e.mu.Unlock()
	metrics.SegmentsPersistedTotal.WithLabelValues(string(src)).Inc()
	e.emit(domain.SegmentFinalized{Segment: seg})

	if e.opts.Coordinator == nil {
		return
	}
	// The coordinator runs off the loop goroutine so a stalled model call
	// never blocks ingest. Runs for one session are serialized internally.
	run.bg.Add(1)
	go func() {
		defer run.bg.Done()
		e.emit(domain.ModelProcessing{Active: true})
		result := e.opts.Coordinator.OnSegmentSaved(context.Background(), sess.ID)
		e.emit(domain.ModelProcessing{Active: false})
		if result != nil && len(result.Topics) > 0 {
			e.emit(domain.TopicsUpdated{Topics: result.Topics})
		}
	}()
}

// maybeSetTitle derives a session title from the first line of the final
// summary when the session has none yet.
func (e *Engine) maybeSetTitle(ctx context.Context, sess domain.Session, brief string) {
	if sess.Title != "" || brief == "" || brief == unavailableText {
		return
	}
	title := strings.TrimSpace(strings.SplitN(brief, "\n", 2)[0])
	if title == "" {
		return
	}
	if len(title) > maxTitleLen {
		title = strings.TrimSpace(title[:maxTitleLen])
	}
	if err := e.opts.Repo.SetSessionTitle(ctx, sess.ID, title); err != nil {
		e.logger.Warn().Err(err).Str(log.FieldSessionID, sess.ID).Msg("title update failed")
	}
}

func (e *Engine) failStart(err error) {
	e.mu.Lock()
	e.setStatusLocked(domain.StatusError)
	e.mu.Unlock()
	e.emit(domain.EngineError{Message: err.Error(), Transient: false})
	e.logger.Error().Err(err).Msg("start failed")
}

// setStatusLocked requires e.mu held.
func (e *Engine) setStatusLocked(next domain.EngineStatus) {
	if e.status == next {
		return
	}
	e.logger.Debug().
		Str(log.FieldOldState, string(e.status)).
		Str(log.FieldNewState, string(next)).
		Msg("engine state changed")
	e.status = next
	e.emit(domain.StatusChanged{Status: next})
}

func (e *Engine) emit(ev domain.EngineEvent) {
	if e.opts.Sink != nil {
		e.opts.Sink.HandleEngineEvent(ev)
	}
}

func (e *Engine) notePeak(src domain.Source, peak float64) {
	e.levMu.Lock()
	if src == domain.SourceSystemAudio {
		if peak > e.sysPeak {
			e.sysPeak = peak
		}
	} else if peak > e.micPeak {
		e.micPeak = peak
	}
	e.levelDirty = true
	e.levMu.Unlock()
}

// flushLevels emits at most one aggregated level event per ticker interval.
func (e *Engine) flushLevels() {
	e.levMu.Lock()
	if !e.levelDirty {
		e.levMu.Unlock()
		return
	}
	ev := domain.Level{Mic: e.micPeak, Sys: e.sysPeak}
	e.micPeak = 0
	e.sysPeak = 0
	e.levelDirty = false
	e.levMu.Unlock()
	e.emit(ev)
}

func (e *Engine) resetLevels() {
	e.levMu.Lock()
	e.micPeak = 0
	e.sysPeak = 0
	e.levelDirty = false
	e.levMu.Unlock()
}
