package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/skypro1111/voice-session-service/internal/audio"
	"github.com/skypro1111/voice-session-service/internal/bus"
	"github.com/skypro1111/voice-session-service/internal/metrics"
	"github.com/skypro1111/voice-session-service/internal/protocol"
	"github.com/skypro1111/voice-session-service/internal/response"
	"github.com/skypro1111/voice-session-service/internal/transcription"
	"github.com/skypro1111/voice-session-service/internal/vad"
)

var (
	// ErrSampleRateMismatch is returned when the client declares a sample
	// rate other than the one the pipeline runs at.
	ErrSampleRateMismatch = errors.New("sample rate mismatch")
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionLimit is returned when the manager is at capacity.
	ErrSessionLimit = errors.New("session limit reached")
)

// Publisher receives per-utterance records and lifecycle events.
type Publisher interface {
	PublishUtterance(rec bus.UtteranceRecord)
	PublishLifecycle(sessionID, event string)
}

// Config holds per-session pipeline parameters
type Config struct {
	SampleRate          int
	Threshold           float64
	SilenceDuration     time.Duration
	MaxUtteranceSamples int
	// FrameSamples is the nominal frame length; frames of any other length
	// are malformed. 0 accepts any whole number of samples.
	FrameSamples int
	// DebugEveryFrames logs frame energy every N frames at debug level; 0 disables.
	DebugEveryFrames int
	EventBuffer      int
}

// Deps are the collaborators shared by all sessions
type Deps struct {
	Engine               transcription.Engine
	TranscriptionTimeout time.Duration
	Responder            response.Responder
	ResponseTimeout      time.Duration
	Metrics              *metrics.Metrics
	Tracer               trace.Tracer
	Publisher            Publisher
	Logger               *zap.Logger
}

// Utterance is a closed span of audio waiting for transcription.
type Utterance struct {
	Seq     uint64
	Samples []int16
	EndedAt time.Time
	Reason  Reason
}

// Session is the per-connection voice pipeline. One goroutine feeds frames
// through HandleFrame; a worker goroutine transcribes and answers queued
// utterances strictly in order; outbound events are read from Events.
type Session struct {
	ID         string
	StartTime  time.Time
	sampleRate int

	cfg      Config
	detector *vad.Detector
	buffer   *audio.UtteranceBuffer
	invoker  *transcription.Invoker
	pipeline *response.Pipeline

	metrics   *metrics.Metrics
	tracer    trace.Tracer
	publisher Publisher
	logger    *zap.Logger

	// Outbound events; closed once the session is closed
	events chan protocol.Event
	emitMu sync.Mutex
	closed bool

	// Utterance queue
	qmu   sync.Mutex
	queue []Utterance
	wake  chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	started   bool

	mu             sync.RWMutex
	state          State
	lastActivity   time.Time
	nextSeq        uint64
	framesReceived uint64
	malformed      uint64
	keepAlives     uint64
	utterances     uint64
	forced         uint64
	transcripts    uint64
	emptyResults   uint64
	failures       uint64
	lastASR        time.Duration
	lastTTFT       time.Duration
}

// New creates a session in the CONNECTING state.
func New(parent context.Context, id string, cfg Config, deps Deps) (*Session, error) {
	detector, err := vad.NewDetector(cfg.Threshold, cfg.SilenceDuration, cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	if deps.Engine == nil {
		return nil, errors.New("transcription engine is required")
	}
	if deps.Responder == nil {
		return nil, errors.New("responder is required")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	return &Session{
		ID:           id,
		StartTime:    now,
		sampleRate:   cfg.SampleRate,
		cfg:          cfg,
		detector:     detector,
		buffer:       audio.NewUtteranceBuffer(cfg.MaxUtteranceSamples),
		invoker:      transcription.NewInvoker(deps.Engine, deps.TranscriptionTimeout),
		pipeline:     response.NewPipeline(deps.Responder, deps.ResponseTimeout),
		metrics:      deps.Metrics,
		tracer:       tracer,
		publisher:    deps.Publisher,
		logger:       logger.With(zap.String("session_id", id)),
		events:       make(chan protocol.Event, cfg.EventBuffer),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateConnecting,
		lastActivity: now,
	}, nil
}

// Events returns the outbound event stream. It is closed when the session closes.
func (s *Session) Events() <-chan protocol.Event {
	return s.events
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastActivity returns when the last frame (or keep-alive) arrived.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Handshake validates the client's sample rate. On success the session
// becomes IDLE, emits the idle status and starts its worker. On mismatch it
// stays CONNECTING and returns ErrSampleRateMismatch.
func (s *Session) Handshake(sampleRate int) error {
	if sampleRate != s.sampleRate {
		s.logger.Warn("Rejecting session with unsupported sample rate",
			zap.Int("sample_rate", sampleRate),
			zap.Int("required_sample_rate", s.sampleRate),
		)
		return fmt.Errorf("%w: got %d Hz, want %d Hz", ErrSampleRateMismatch, sampleRate, s.sampleRate)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateIdle
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	s.emit(protocol.Status(protocol.StatusIdle))
	if s.publisher != nil {
		s.publisher.PublishLifecycle(s.ID, "opened")
	}
	s.logger.Info("Session ready", zap.Int("sample_rate", sampleRate))
	return nil
}

// HandleFrame ingests one binary websocket message. Zero-length messages are
// keep-alives. Malformed frames are logged and dropped without changing state;
// the returned error wraps audio.ErrMalformedFrame.
func (s *Session) HandleFrame(data []byte) error {
	s.mu.Lock()
	if s.state == StateDisconnected || s.state == StateConnecting {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.lastActivity = time.Now()

	if len(data) == 0 {
		s.keepAlives++
		s.mu.Unlock()
		s.metrics.RecordKeepAlive()
		return nil
	}

	samples, err := audio.DecodeFrame(data, s.cfg.FrameSamples)
	if err != nil {
		s.malformed++
		s.mu.Unlock()
		s.metrics.RecordMalformedFrame()
		s.logger.Warn("Dropping malformed audio frame", zap.Int("bytes", len(data)), zap.Error(err))
		return err
	}

	s.framesReceived++
	frameNo := s.framesReceived
	firstFrame := s.state == StateIdle
	if firstFrame {
		s.state = StateListening
	}
	s.mu.Unlock()

	if firstFrame {
		s.logger.Debug("State transition", zap.Stringer("from", StateIdle), zap.Stringer("to", StateListening))
		s.emit(protocol.Status(protocol.StatusListening))
	}

	wasSpeaking := s.detector.Speaking()
	signal := s.detector.Observe(samples)
	speaking := s.detector.Speaking()
	amplitude := s.detector.LastAmplitude()
	s.metrics.RecordFrame(amplitude >= s.cfg.Threshold)

	if s.cfg.DebugEveryFrames > 0 && frameNo%uint64(s.cfg.DebugEveryFrames) == 0 {
		s.logger.Debug("Frame energy",
			zap.Uint64("frame", frameNo),
			zap.Float64("amplitude", amplitude),
			zap.Bool("speaking", speaking),
			zap.Int("buffered_samples", s.buffer.Len()),
		)
	}

	// speech resumed after the previous reply finished
	if speaking && !wasSpeaking && !firstFrame && s.State() == StateListening {
		s.emit(protocol.Status(protocol.StatusListening))
	}

	if speaking || signal == vad.UtteranceEnd {
		for _, forced := range s.buffer.Append(samples) {
			s.enqueue(forced, ReasonMaxDuration)
		}
	}

	if signal == vad.UtteranceEnd {
		if utt := s.buffer.Drain(); len(utt) > 0 {
			s.enqueue(utt, ReasonSilence)
		}
	}

	return nil
}

func (s *Session) enqueue(samples []int16, reason Reason) {
	if len(samples) == 0 {
		return
	}

	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	s.utterances++
	if reason == ReasonMaxDuration {
		s.forced++
	}
	s.mu.Unlock()

	u := Utterance{Seq: seq, Samples: samples, EndedAt: time.Now(), Reason: reason}
	durationSec := audio.Duration(len(samples), s.sampleRate)
	s.metrics.RecordUtterance(string(reason), durationSec)

	s.qmu.Lock()
	s.queue = append(s.queue, u)
	depth := len(s.queue)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.logger.Info("Utterance ended",
		zap.Uint64("seq", seq),
		zap.String("reason", string(reason)),
		zap.Float64("duration_s", durationSec),
		zap.Int("queue_depth", depth),
	)
}

// QueueDepth returns the number of utterances waiting for the worker.
func (s *Session) QueueDepth() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

func (s *Session) dequeue() (Utterance, bool) {
	for {
		s.qmu.Lock()
		if len(s.queue) > 0 {
			u := s.queue[0]
			s.queue[0] = Utterance{}
			s.queue = s.queue[1:]
			s.qmu.Unlock()
			return u, true
		}
		s.qmu.Unlock()

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return Utterance{}, false
		}
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		u, ok := s.dequeue()
		if !ok {
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.process(u)
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.logger.Debug("State transition", zap.Stringer("from", prev), zap.Stringer("to", next))
	}
}

// process runs one utterance through transcription and response. Results
// that arrive after the session closed are discarded.
func (s *Session) process(u Utterance) {
	ctx, span := s.tracer.Start(s.ctx, "utterance", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.Int64("utterance.seq", int64(u.Seq)),
		attribute.String("utterance.reason", string(u.Reason)),
		attribute.Int("utterance.samples", len(u.Samples)),
	))
	defer span.End()

	queueWait := time.Since(u.EndedAt)
	s.metrics.RecordQueueWait(queueWait.Seconds())

	record := bus.UtteranceRecord{
		SessionID:   s.ID,
		Seq:         u.Seq,
		Reason:      string(u.Reason),
		QueueWaitMs: float64(queueWait) / float64(time.Millisecond),
	}

	s.setState(StatePendingTranscription)
	s.emit(protocol.Status(protocol.StatusProcessing))

	s.metrics.RecordTranscriptionRequest()
	tctx, tspan := s.tracer.Start(ctx, "transcribe")
	tr, err := s.invoker.Transcribe(tctx, transcription.Request{
		SessionID:  s.ID,
		Seq:        u.Seq,
		Samples:    u.Samples,
		SampleRate: s.sampleRate,
	})
	if err != nil {
		tspan.RecordError(err)
		tspan.SetStatus(codes.Error, "transcription failed")
	} else {
		tspan.SetAttributes(attribute.Float64("asr.latency_ms", tr.LatencyMs()))
	}
	tspan.End()

	if s.ctx.Err() != nil {
		return
	}

	if err != nil {
		s.metrics.RecordTranscriptionFailure()
		s.fail(u, err, "transcription failed", &record)
		return
	}

	s.metrics.RecordTranscriptionSuccess(tr.Latency.Seconds(), tr.Empty())
	record.ASRMs = tr.LatencyMs()
	record.Confidence = tr.Confidence

	if tr.Empty() {
		s.mu.Lock()
		s.emptyResults++
		s.lastASR = tr.Latency
		s.mu.Unlock()

		s.logger.Info("Empty transcript, returning to listening",
			zap.Uint64("seq", u.Seq),
			zap.Float64("asr_ms", tr.LatencyMs()),
		)
		s.setState(StateListening)
		s.emit(protocol.Status(protocol.StatusListening))
		s.publish(record)
		return
	}

	record.Text = tr.Text
	s.logger.Info("Transcription completed",
		zap.Uint64("seq", u.Seq),
		zap.String("text", tr.Text),
		zap.Float64("confidence", tr.Confidence),
		zap.Float64("asr_ms", tr.LatencyMs()),
		zap.Float64("queue_wait_ms", record.QueueWaitMs),
	)

	s.emit(protocol.Transcript(tr.Text, tr.LatencyMs()))
	s.setState(StateResponding)
	s.emit(protocol.Status(protocol.StatusResponding))

	rctx, rspan := s.tracer.Start(ctx, "respond")
	stream, err := s.pipeline.Respond(rctx, tr.Text, tr.FinishedAt, func(token string) error {
		if !s.emit(protocol.Token(token)) {
			return ErrSessionClosed
		}
		return nil
	})
	if err != nil {
		rspan.RecordError(err)
		rspan.SetStatus(codes.Error, "response failed")
	} else {
		rspan.SetAttributes(
			attribute.Float64("response.ttft_ms", stream.TTFTMs()),
			attribute.Int("response.tokens", len(stream.Tokens)),
		)
	}
	rspan.End()

	if s.ctx.Err() != nil || errors.Is(err, ErrSessionClosed) {
		return
	}

	if err != nil {
		s.metrics.RecordResponseFailure()
		record.Tokens = len(stream.Tokens)
		s.fail(u, err, "response generation failed", &record)
		return
	}

	s.metrics.RecordResponse(stream.TTFT.Seconds(), len(stream.Tokens))
	record.TTFTMs = stream.TTFTMs()
	record.Tokens = len(stream.Tokens)

	s.mu.Lock()
	s.transcripts++
	s.lastASR = tr.Latency
	s.lastTTFT = stream.TTFT
	s.mu.Unlock()

	s.emit(protocol.LatencyStats(tr.LatencyMs(), stream.TTFTMs()))
	s.setState(StateListening)
	s.emit(protocol.Status(protocol.StatusListening))

	s.logger.Info("Response completed",
		zap.Uint64("seq", u.Seq),
		zap.Int("tokens", len(stream.Tokens)),
		zap.Float64("asr_ms", tr.LatencyMs()),
		zap.Float64("ttft_ms", stream.TTFTMs()),
	)
	s.publish(record)
}

// fail routes a collaborator failure through ERROR back to LISTENING with
// exactly one error event.
func (s *Session) fail(u Utterance, err error, message string, record *bus.UtteranceRecord) {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()

	s.logger.Error("Utterance failed",
		zap.Uint64("seq", u.Seq),
		zap.String("reason", string(u.Reason)),
		zap.Error(err),
	)

	s.setState(StateError)
	s.emit(protocol.Error(message))
	s.setState(StateListening)
	s.emit(protocol.Status(protocol.StatusListening))

	record.Error = err.Error()
	s.publish(*record)
}

func (s *Session) publish(record bus.UtteranceRecord) {
	if s.publisher == nil {
		return
	}
	record.Timestamp = time.Now().UTC()
	s.publisher.PublishUtterance(record)
}

// emit queues an event for the transport. It reports false, dropping the
// event, once the session is closed.
func (s *Session) emit(e protocol.Event) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.closed || s.ctx.Err() != nil {
		s.metrics.RecordEventDropped()
		return false
	}

	select {
	case s.events <- e:
		s.metrics.RecordEventSent(e.Type)
		return true
	case <-s.ctx.Done():
		s.metrics.RecordEventDropped()
		return false
	}
}

// Close cancels in-flight work, discards buffered audio and queued
// utterances, and closes the event stream. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.emitMu.Lock()
		s.closed = true
		close(s.events)
		s.emitMu.Unlock()

		s.wg.Wait()

		s.buffer.Reset()
		s.detector.Reset()
		s.qmu.Lock()
		dropped := len(s.queue)
		s.queue = nil
		s.qmu.Unlock()

		s.mu.Lock()
		prev := s.state
		s.state = StateDisconnected
		started := s.started
		s.mu.Unlock()

		if started && s.publisher != nil {
			s.publisher.PublishLifecycle(s.ID, "closed")
		}

		s.logger.Info("Session closed",
			zap.Stringer("previous_state", prev),
			zap.Duration("duration", time.Since(s.StartTime)),
			zap.Int("dropped_utterances", dropped),
		)
	})
}

// GetSessionInfo returns session information for monitoring
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	info := SessionInfo{
		ID:              s.ID,
		State:           s.state.String(),
		SampleRate:      s.sampleRate,
		StartTime:       s.StartTime,
		LastActivity:    s.lastActivity,
		Duration:        time.Since(s.StartTime).String(),
		FramesReceived:  s.framesReceived,
		MalformedFrames: s.malformed,
		KeepAlives:      s.keepAlives,
		Utterances:      s.utterances,
		ForcedBoundary:  s.forced,
		Transcripts:     s.transcripts,
		EmptyResults:    s.emptyResults,
		Failures:        s.failures,
		LastASRMs:       float64(s.lastASR) / float64(time.Millisecond),
		LastTTFTMs:      float64(s.lastTTFT) / float64(time.Millisecond),
	}
	s.mu.RUnlock()

	info.QueueDepth = s.QueueDepth()
	info.TranscriptionInFlight = s.invoker.InFlight()
	info.Detector = s.detector.GetStats()
	info.Buffer = s.buffer.GetStats()
	return info
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID                    string            `json:"id"`
	State                 string            `json:"state"`
	SampleRate            int               `json:"sample_rate"`
	StartTime             time.Time         `json:"start_time"`
	LastActivity          time.Time         `json:"last_activity"`
	Duration              string            `json:"duration"`
	FramesReceived        uint64            `json:"frames_received"`
	MalformedFrames       uint64            `json:"malformed_frames"`
	KeepAlives            uint64            `json:"keep_alives"`
	Utterances            uint64            `json:"utterances"`
	ForcedBoundary        uint64            `json:"forced_boundaries"`
	Transcripts           uint64            `json:"transcripts"`
	EmptyResults          uint64            `json:"empty_results"`
	Failures              uint64            `json:"failures"`
	LastASRMs             float64           `json:"last_asr_ms"`
	LastTTFTMs            float64           `json:"last_ttft_ms"`
	QueueDepth            int               `json:"queue_depth"`
	TranscriptionInFlight bool              `json:"transcription_in_flight"`
	Detector              vad.DetectorStats `json:"detector"`
	Buffer                audio.BufferStats `json:"buffer"`
}
