// Package publisher is the sole orchestrator of a livestream publish
// session: it owns the RTMP client, the video encoder coordinator, the
// audio mixer, and the two persistent flags, and drives all four through
// one state machine. Nothing outside this package touches the encoder or
// mixer goroutines directly.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/st-vunguyen/rtmp-publisher/internal/audio"
	"github.com/st-vunguyen/rtmp-publisher/internal/encoder"
	"github.com/st-vunguyen/rtmp-publisher/internal/errors"
	"github.com/st-vunguyen/rtmp-publisher/internal/flags"
	"github.com/st-vunguyen/rtmp-publisher/internal/flv"
	"github.com/st-vunguyen/rtmp-publisher/internal/logger"
	"github.com/st-vunguyen/rtmp-publisher/internal/media"
	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/client"
)

// State is the supervisor's lifecycle state. Terminated is the only
// terminal state.
type State int

const (
	Idle State = iota
	Connecting
	Publishing
	Reconnecting
	StoppingManual
	StoppingFailed
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Publishing:
		return "publishing"
	case Reconnecting:
		return "reconnecting"
	case StoppingManual:
		return "stopping_manual"
	case StoppingFailed:
		return "stopping_failed"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// reconnectBackoffMs is the fixed delay schedule between reconnect
// attempts: factor 1.7, capped at 10s, five attempts by default.
var reconnectBackoffMs = []int64{500, 850, 1445, 2457, 4178, 7103, 10000}

const maxReconnectAttempts = 5

// VideoConfig describes the capture geometry the supervisor derives an
// encoder profile and bitrate-ladder entry from.
type VideoConfig struct {
	Width  int
	Height int
	FPS    int
}

// Supervisor is the exported control surface described in section 6.3: a
// small set of methods plus an outbound event stream.
type Supervisor struct {
	videoEnc encoder.VideoEncoder
	aacEnc   audio.AACEncoder
	mic      audio.AudioCaptureSource
	system   audio.AudioCaptureSource
	videoCfg VideoConfig
	flagsSt  *flags.Store

	coord *encoder.Coordinator
	mixer *audio.Mixer
	rtmp  *client.Client

	mu    sync.Mutex
	state State

	manualStop   atomic.Bool
	transportUp  atomic.Bool
	reconnecting atomic.Bool

	cfgMu    sync.Mutex
	lastSPS  []byte
	lastPPS  []byte
	lastASC  []byte

	frameCountMu sync.Mutex
	videoFrames  int64
	bitrateBytes int64
	droppedVideo int64

	startedAt time.Time

	events     chan Event
	eventsOnce sync.Once

	stopCtx    context.Context
	stopCancel context.CancelFunc

	metricsStop chan struct{}

	sessionID string
	log       *slog.Logger

	caBundlePath string
}

// NewSupervisor constructs a Supervisor around the platform-provided
// encoder/capture handles and the local flags store. No goroutines run and
// no I/O happens until Start is called.
func NewSupervisor(videoEnc encoder.VideoEncoder, aacEnc audio.AACEncoder, mic, system audio.AudioCaptureSource, videoCfg VideoConfig, flagsSt *flags.Store) *Supervisor {
	return &Supervisor{
		videoEnc: videoEnc,
		aacEnc:   aacEnc,
		mic:      mic,
		system:   system,
		videoCfg: videoCfg,
		flagsSt:  flagsSt,
		state:    Idle,
		events:   make(chan Event, 32),
		log:      logger.Logger().With("component", "publisher.supervisor"),
	}
}

// Events returns the channel events are delivered on for the lifetime of
// the Supervisor.
func (s *Supervisor) Events() <-chan Event { return s.events }

// SetCABundlePath configures a custom trust root for RTMPS targets, used in
// place of the system certificate pool. Must be called before Start.
func (s *Supervisor) SetCABundlePath(path string) { s.caBundlePath = path }

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event channel full, dropping event", "kind", ev.Kind)
	}
}

// Start validates url and key, persists the "streaming was requested" flag,
// configures the encoder/mixer, and blocks through the initial connect
// dialog. On success the Supervisor is in Publishing and metadata/sequence
// headers have already been sent.
func (s *Supervisor) Start(url, key string) error {
	if s.getState() != Idle && s.getState() != Terminated {
		return nil
	}
	tgt, err := parseTarget(url)
	if err != nil {
		return err
	}
	if key == "" {
		return errors.NewInvalidInput("publisher.start", fmt.Errorf("stream key must not be empty"))
	}

	s.sessionID = uuid.NewString()
	s.log = s.log.With("session_id", s.sessionID, "stream_key", logger.MaskKey(key))

	s.manualStop.Store(false)
	s.transportUp.Store(false)
	if s.flagsSt != nil {
		if err := s.flagsSt.Save(flags.State{ManualStop: false, WasStreaming: true}); err != nil {
			s.log.Warn("failed to persist streaming flag", "error", err)
		}
	}

	s.setState(Connecting)
	s.stopCtx, s.stopCancel = context.WithCancel(context.Background())

	s.coord = encoder.NewCoordinator(s.videoEnc)
	s.mixer = audio.NewMixer(s.mic, s.system, s.aacEnc)

	profile := encoder.DeriveProfile(s.videoCfg.Width, s.videoCfg.Height, s.videoCfg.FPS,
		bitrateKbpsFor(s.videoCfg.Width, s.videoCfg.Height, s.videoCfg.FPS))

	if err := s.coord.Start(profile, s.onVideoFrame); err != nil {
		s.teardownLocal()
		return err
	}
	if err := s.mixer.Start(s.onAudioFrame); err != nil {
		s.coord.Stop()
		s.teardownLocal()
		return err
	}

	cfg := client.Config{Host: tgt.host, Port: tgt.port, App: tgt.app, StreamKey: key, TLS: tgt.tls, CABundlePath: s.caBundlePath}
	s.rtmp = client.New(cfg)
	s.rtmp.OnPublishStarted = s.onPublishStarted
	s.rtmp.OnDisconnected = s.onDisconnected

	connectCtx, cancel := context.WithTimeout(s.stopCtx, 20*time.Second)
	defer cancel()
	if err := s.rtmp.ConnectBlocking(connectCtx); err != nil {
		s.coord.Stop()
		s.mixer.Stop()
		s.teardownLocal()
		return err
	}
	return nil
}

// onPublishStarted runs synchronously at the end of every successful
// ConnectBlocking: the first connect and each reconnect.
func (s *Supervisor) onPublishStarted() {
	s.startedAt = time.Now()
	s.sendMetadataAndConfig()
	s.transportUp.Store(true)
	s.coord.SetTransportUp(true)
	s.setState(Publishing)
	s.startMetricsTicker()
	s.log.Info("publish started")
}

func (s *Supervisor) sendMetadataAndConfig() {
	meta := flv.Metadata{
		Width:             s.videoCfg.Width,
		Height:            s.videoCfg.Height,
		FrameRate:         float64(s.videoCfg.FPS),
		VideoDataRateKbps: float64(bitrateKbpsFor(s.videoCfg.Width, s.videoCfg.Height, s.videoCfg.FPS)),
		AudioDataRateKbps: float64(audioBitrateKbps),
		AudioSampleRate:   audioSampleRateHz,
	}
	if payload, err := flv.EncodeMetadata(meta); err == nil {
		_ = s.rtmp.SendFLVPayload(client.PayloadScriptData, payload, 0)
	} else {
		s.log.Warn("failed to encode metadata", "error", err)
	}

	s.cfgMu.Lock()
	sps, pps, asc := s.lastSPS, s.lastPPS, s.lastASC
	s.cfgMu.Unlock()

	if sps != nil && pps != nil {
		if payload, err := flv.EncodeAVCSequenceHeader(sps, pps); err == nil {
			_ = s.rtmp.SendFLVPayload(client.PayloadVideo, payload, 0)
		}
	} else {
		s.coord.ResendConfig()
	}
	if asc != nil {
		if payload, err := flv.EncodeAACSequenceHeader(asc); err == nil {
			_ = s.rtmp.SendFLVPayload(client.PayloadAudio, payload, 0)
		}
	}
}

// onVideoFrame is the encoder coordinator's FrameHandler. It runs on the
// coordinator's own drain goroutine.
func (s *Supervisor) onVideoFrame(f *encoder.EncodedVideoFrame) {
	if f.IsConfig {
		s.cfgMu.Lock()
		s.lastSPS, s.lastPPS = f.SPS, f.PPS
		s.cfgMu.Unlock()
		payload, err := flv.EncodeAVCSequenceHeader(f.SPS, f.PPS)
		if err != nil {
			s.log.Warn("failed to encode avc sequence header", "error", err)
			return
		}
		if err := s.rtmp.SendFLVPayload(client.PayloadVideo, payload, 0); err != nil {
			s.log.Debug("dropping video sequence header, transport unavailable", "error", err)
		}
		return
	}

	avcc, err := media.AnnexBToAVCC(f.NALs)
	if err != nil {
		s.log.Warn("failed to convert NAL units to AVCC", "error", err)
		return
	}
	payload, err := flv.EncodeAVCFrame(avcc, f.IsKey, 0)
	if err != nil {
		s.log.Warn("failed to encode video frame", "error", err)
		return
	}
	if err := s.rtmp.SendFLVPayload(client.PayloadVideo, payload, f.PTSMs); err != nil {
		s.frameCountMu.Lock()
		s.droppedVideo++
		s.frameCountMu.Unlock()
		return
	}
	s.frameCountMu.Lock()
	s.videoFrames++
	s.bitrateBytes += int64(len(payload))
	s.frameCountMu.Unlock()
}

// onAudioFrame is the mixer's FrameHandler, running on the mixer's own
// drain goroutine. Unlike the video coordinator, the mixer has no transport
// gate of its own (S9: sources always drain); the gate lives here.
func (s *Supervisor) onAudioFrame(f *audio.EncodedAudioFrame) {
	if f.IsConfig {
		s.cfgMu.Lock()
		s.lastASC = f.ASC
		s.cfgMu.Unlock()
		if !s.transportUp.Load() {
			return
		}
		payload, err := flv.EncodeAACSequenceHeader(f.ASC)
		if err != nil {
			s.log.Warn("failed to encode aac sequence header", "error", err)
			return
		}
		_ = s.rtmp.SendFLVPayload(client.PayloadAudio, payload, 0)
		return
	}
	if !s.transportUp.Load() {
		return
	}
	payload, err := flv.EncodeAACFrame(f.Data)
	if err != nil {
		s.log.Warn("failed to encode aac frame", "error", err)
		return
	}
	_ = s.rtmp.SendFLVPayload(client.PayloadAudio, payload, f.PTSMs)
}

// onDisconnected fires from the RTMP client's reader goroutine once per
// socket loss (P8: a manual stop makes this a no-op).
func (s *Supervisor) onDisconnected(err error) {
	if s.manualStop.Load() {
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return // a reconnect flight is already underway
	}
	s.transportUp.Store(false)
	s.coord.SetTransportUp(false)
	s.setState(Reconnecting)
	s.log.Warn("rtmp connection lost, entering reconnect loop", "error", err)
	go s.runReconnectLoop()
}

func (s *Supervisor) runReconnectLoop() {
	defer s.reconnecting.Store(false)

	var lastErr error
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		if s.manualStop.Load() {
			return
		}
		delay := reconnectBackoffMs[attempt-1]
		s.emit(Event{Kind: EventReconnectAttempt, ReconnectAttempt: &ReconnectAttempt{N: attempt, DelayMs: delay}})

		select {
		case <-time.After(time.Duration(delay) * time.Millisecond):
		case <-s.stopCtx.Done():
			return
		}
		if s.manualStop.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(s.stopCtx, 20*time.Second)
		err := s.rtmp.Reconnect(ctx)
		cancel()
		if err == nil {
			s.onPublishStarted()
			s.log.Info("reconnect succeeded", "attempt", attempt)
			return
		}
		lastErr = err
		s.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}

	s.setState(StoppingFailed)
	s.emit(Event{Kind: EventStreamStopped, StreamStopped: &StreamStopped{Manual: false}})
	s.emit(Event{Kind: EventStreamFailed, StreamFailed: &StreamFailed{Reason: classify(lastErr)}})
	s.terminate()
}

// classify maps a typed internal/errors value to the external FailReason
// taxonomy of section 7. Reconnect exhaustion always emits a StreamFailed
// regardless of the specific cause, but the reason reported reflects what
// actually kept failing rather than a blanket NetworkLost.
func classify(err error) FailReason {
	switch {
	case err == nil:
		return ReasonNetworkLost
	case errors.IsTls(err):
		return ReasonTls
	case errors.IsAuthError(err):
		return ReasonAuthRejected
	case errors.IsPublishRejected(err):
		return ReasonPublishRejected
	case errors.IsEncoderFailed(err):
		return ReasonEncoderFailed
	case errors.IsPermissionDenied(err):
		return ReasonPermissionRevoked
	default:
		return ReasonNetworkLost
	}
}

func (s *Supervisor) startMetricsTicker() {
	s.metricsStop = make(chan struct{})
	go func(stop chan struct{}) {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.frameCountMu.Lock()
				frames := s.videoFrames
				bytes := s.bitrateBytes
				dropped := s.droppedVideo
				s.videoFrames, s.bitrateBytes = 0, 0
				s.frameCountMu.Unlock()
				s.emit(Event{Kind: EventMetrics, Metrics: &Metrics{
					BitrateKbps:   int(bytes * 8 / 1000),
					FPS:           int(frames),
					ElapsedMs:     time.Since(s.startedAt).Milliseconds(),
					DroppedFrames: dropped,
				}})
			}
		}
	}(s.metricsStop)
}

func (s *Supervisor) stopMetricsTicker() {
	if s.metricsStop != nil {
		close(s.metricsStop)
		s.metricsStop = nil
	}
}

// ToggleMic flips the microphone contribution to the mix and returns the
// new state.
func (s *Supervisor) ToggleMic() bool {
	if s.mixer == nil {
		return false
	}
	next := !s.mixer.MicEnabled()
	s.mixer.SetMicEnabled(next)
	return next
}

// ToggleSystemAudio flips the system-audio contribution to the mix and
// returns the new state.
func (s *Supervisor) ToggleSystemAudio() bool {
	if s.mixer == nil {
		return false
	}
	next := !s.mixer.SystemEnabled()
	s.mixer.SetSystemEnabled(next)
	return next
}

// MicEnabled reports the current microphone toggle state.
func (s *Supervisor) MicEnabled() bool {
	if s.mixer == nil {
		return false
	}
	return s.mixer.MicEnabled()
}

// SystemAudioEnabled reports the current system-audio toggle state.
func (s *Supervisor) SystemAudioEnabled() bool {
	if s.mixer == nil {
		return false
	}
	return s.mixer.SystemEnabled()
}

// Stop tears the session down. It is idempotent and safe to call from any
// state.
func (s *Supervisor) Stop() {
	if s.getState() == Idle || s.getState() == Terminated {
		return
	}
	s.manualStop.Store(true)
	if s.flagsSt != nil {
		if err := s.flagsSt.Save(flags.State{ManualStop: true, WasStreaming: false}); err != nil {
			s.log.Warn("failed to persist manual-stop flag", "error", err)
		}
	}
	s.setState(StoppingManual)
	if s.stopCancel != nil {
		s.stopCancel()
	}
	s.emit(Event{Kind: EventStreamStopped, StreamStopped: &StreamStopped{Manual: true}})
	s.terminate()
}

// terminate releases all session resources and transitions to Terminated.
// Safe to call more than once.
func (s *Supervisor) terminate() {
	s.stopMetricsTicker()
	if s.rtmp != nil {
		s.rtmp.CloseQuiet()
	}
	if s.coord != nil {
		_ = s.coord.Stop()
	}
	if s.mixer != nil {
		s.mixer.Stop()
	}
	s.transportUp.Store(false)
	s.setState(Terminated)
}

// teardownLocal releases resources created during a Start() call that
// failed before reaching Publishing, without emitting any events (Start
// reports the failure directly to its own caller via its return value).
func (s *Supervisor) teardownLocal() {
	if s.stopCancel != nil {
		s.stopCancel()
	}
	s.setState(Idle)
}
