// Package audio mixes the microphone and system-audio capture sources into a
// single stereo PCM stream, applies a 30Hz rumble-cutting high-pass filter
// and a soft-knee limiter, and hands fixed-size frames to an AAC encoder on
// a drift-corrected schedule.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/st-vunguyen/rtmp-publisher/internal/errors"
	"github.com/st-vunguyen/rtmp-publisher/internal/logger"
)

const (
	// SampleRate is the fixed capture/output rate this mixer operates at.
	SampleRate = 48000
	// Channels is always stereo.
	Channels = 2
	// FrameSamples is the number of samples-per-channel per mix tick.
	FrameSamples = 1024

	highPassCutoffHz = 30.0
	highPassQ        = 0.707
)

var frameDuration = time.Duration(FrameSamples) * time.Second / time.Duration(SampleRate)

// AudioCaptureSource is a platform capture device (microphone or system
// audio loopback). ReadStereoPCM16 blocks until nSamples interleaved
// stereo frames are available (or the source is closed), filling buf
// (len(buf) must be >= nSamples*Channels) and returning the number of
// sample-frames actually read.
type AudioCaptureSource interface {
	ReadStereoPCM16(buf []int16, nSamples int) (int, error)
}

// EncodedAudioFrame is one unit of AAC output. IsConfig frames carry the
// AudioSpecificConfig and are produced exactly once, before the first data
// frame (and again after every reconnect, at the caller's request via
// SequenceHeader).
type EncodedAudioFrame struct {
	IsConfig bool
	ASC      []byte // valid iff IsConfig
	Data     []byte // valid iff !IsConfig
	PTSMs    int64
}

// AACEncoder turns raw interleaved stereo PCM16 frames into AAC access
// units. Implementations wrap a platform/hardware AAC encoder.
type AACEncoder interface {
	Configure(sampleRate, channels int) error
	SequenceHeader() (*EncodedAudioFrame, error)
	EncodeFrame(pcm []int16, ptsMs int64) (*EncodedAudioFrame, error)
	Stop() error
}

// FrameHandler receives encoded audio frames as they become available.
type FrameHandler func(*EncodedAudioFrame)

// Mixer drains mic and system-audio sources on a fixed cadence, mixes them
// 50/50, filters and limits the result, and feeds an AACEncoder.
//
// Both sources are drained continuously regardless of their enabled flag so
// that toggling mic/system audio on mid-stream never has to deal with a
// stalled, buffer-full capture device (S9): a disabled source is still read
// every tick, its samples simply contribute silence to the mix.
type Mixer struct {
	mic, system AudioCaptureSource
	enc         AACEncoder
	onFrame     FrameHandler

	micEnabled    atomic.Bool
	systemEnabled atomic.Bool

	hp [Channels]*biquad

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	driftAccumUs int64
	frameIndex   int64
	startedAt    time.Time

	log *slog.Logger
}

// NewMixer constructs a Mixer. Either source may be nil, in which case it
// contributes silence whenever it would otherwise be read.
func NewMixer(mic, system AudioCaptureSource, enc AACEncoder) *Mixer {
	m := &Mixer{
		mic:    mic,
		system: system,
		enc:    enc,
		log:    logger.Logger().With("component", "audio.mixer"),
	}
	for i := range m.hp {
		m.hp[i] = newHighPass(highPassCutoffHz, highPassQ, SampleRate)
	}
	m.micEnabled.Store(true)
	m.systemEnabled.Store(true)
	return m
}

// SetMicEnabled toggles whether the microphone contributes to the mix. The
// source keeps being drained either way.
func (m *Mixer) SetMicEnabled(enabled bool) { m.micEnabled.Store(enabled) }

// SetSystemEnabled toggles whether system audio contributes to the mix.
func (m *Mixer) SetSystemEnabled(enabled bool) { m.systemEnabled.Store(enabled) }

// MicEnabled reports the current microphone toggle state.
func (m *Mixer) MicEnabled() bool { return m.micEnabled.Load() }

// SystemEnabled reports the current system-audio toggle state.
func (m *Mixer) SystemEnabled() bool { return m.systemEnabled.Load() }

// Start configures the encoder, delivers the sequence header, and begins the
// mix/encode drain loop on a dedicated goroutine. Calling Start twice without
// an intervening Stop is a no-op.
func (m *Mixer) Start(onFrame FrameHandler) error {
	if m.ctx != nil {
		return nil
	}
	if onFrame == nil {
		return errors.NewInvalidInput("audio.mixer.start", fmt.Errorf("nil frame handler"))
	}
	if err := m.enc.Configure(SampleRate, Channels); err != nil {
		return errors.NewEncoderFailed("audio.mixer.start.configure", err)
	}
	hdr, err := m.enc.SequenceHeader()
	if err != nil {
		return errors.NewEncoderFailed("audio.mixer.start.sequence_header", err)
	}
	m.onFrame = onFrame
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.startedAt = time.Now()
	m.frameIndex = 0
	m.driftAccumUs = 0

	m.onFrame(hdr)

	m.wg.Add(1)
	go m.drainLoop()
	return nil
}

// Stop halts the drain loop and releases the encoder. Safe to call more than
// once.
func (m *Mixer) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if err := m.enc.Stop(); err != nil {
		m.log.Warn("audio encoder stop failed", "error", err)
	}
	m.ctx = nil
	m.cancel = nil
}

func (m *Mixer) drainLoop() {
	defer m.wg.Done()

	micBuf := make([]int16, FrameSamples*Channels)
	sysBuf := make([]int16, FrameSamples*Channels)
	mixed := make([]int16, FrameSamples*Channels)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		micN := m.readSource(m.mic, micBuf)
		sysN := m.readSource(m.system, sysBuf)
		_ = micN
		_ = sysN

		micOn := m.micEnabled.Load()
		sysOn := m.systemEnabled.Load()

		for i := 0; i < FrameSamples*Channels; i++ {
			var micSample, sysSample float64
			if micOn && m.mic != nil {
				micSample = float64(micBuf[i]) / 32768.0
			}
			if sysOn && m.system != nil {
				sysSample = float64(sysBuf[i]) / 32768.0
			}
			mix := 0.5*micSample + 0.5*sysSample
			ch := i % Channels
			mix = softClip(mix)
			mix = m.hp[ch].Process(mix)
			mixed[i] = floatToPCM16(mix)
		}

		pts := m.nextPTSMs()
		frame, err := m.enc.EncodeFrame(mixed, pts)
		if err != nil {
			m.log.Warn("audio encode failed", "error", err)
			continue
		}
		if frame != nil {
			m.onFrame(frame)
		}
	}
}

// readSource reads one frame's worth of samples from src into buf, zeroing
// buf first so a nil/failed source degrades to silence rather than stale
// samples from the previous tick.
func (m *Mixer) readSource(src AudioCaptureSource, buf []int16) int {
	for i := range buf {
		buf[i] = 0
	}
	if src == nil {
		return 0
	}
	n, err := src.ReadStereoPCM16(buf, FrameSamples)
	if err != nil {
		m.log.Warn("audio source read failed", "error", err)
		return 0
	}
	return n
}

// nextPTSMs computes this frame's presentation timestamp using a one-pole
// integral drift correction: the accumulator nudges toward the gap between
// the ideal (schedule-based) timestamp and the wall-clock elapsed time by
// 1/8th each tick, smoothing out ticker jitter without ever fully
// overcorrecting on a single frame.
func (m *Mixer) nextPTSMs() int64 {
	targetUs := m.frameIndex * int64(frameDuration/time.Microsecond)
	nowUs := time.Since(m.startedAt).Microseconds()
	m.driftAccumUs += (targetUs - nowUs) / 8
	ptsUs := targetUs + m.driftAccumUs
	m.frameIndex++
	return ptsUs / 1000
}

func floatToPCM16(x float64) int16 {
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	return int16(math.Round(x * 32767.0))
}
