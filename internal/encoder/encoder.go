// Package encoder coordinates a hardware H.264 video encoder: deriving an
// operating profile from capture geometry, draining encoded access units on
// a dedicated goroutine that survives reconnects, and splitting Annex-B
// output into individual NAL units. The publisher converts those NAL units
// into the AVCC form the FLV muxer consumes.
package encoder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/st-vunguyen/rtmp-publisher/internal/errors"
	"github.com/st-vunguyen/rtmp-publisher/internal/logger"
	"github.com/st-vunguyen/rtmp-publisher/internal/media"
)

// Profile describes the operating parameters handed to the platform video
// encoder at configure time.
type Profile struct {
	Level               string // "4.0", "4.2" or "5.0"
	Width               int
	Height              int
	FPS                 int
	BitrateKbps         int
	KeyframeIntervalSec int
	OperatingRateFPS    int
}

// DeriveProfile picks an H.264 level and operating rate from capture
// geometry and frame rate. CBR is assumed; the keyframe interval is fixed at
// 2 seconds and the operating rate is set to twice the capture frame rate so
// the encoder always has headroom to drain its queue.
func DeriveProfile(width, height, fps, bitrateKbps int) Profile {
	pxPerSec := float64(width) * float64(height) * float64(fps)
	level := "4.0"
	switch {
	case pxPerSec > 118_800_000:
		level = "5.0"
	case width*height > 2_073_600 || fps > 60:
		level = "4.2"
	}
	return Profile{
		Level:               level,
		Width:               width,
		Height:              height,
		FPS:                 fps,
		BitrateKbps:         bitrateKbps,
		KeyframeIntervalSec: 2,
		OperatingRateFPS:    fps * 2,
	}
}

// EncodedVideoFrame is one unit of encoder output, already split into
// individual NAL units. IsConfig frames carry the raw SPS/PPS NAL units
// (Annex-B, no start codes) and are produced once at encoder start and
// again whenever the coordinator is asked to resend them after a
// reconnect. Data frames carry one access unit's NAL units, similarly
// without start codes; the publisher converts them to AVCC
// (media.AnnexBToAVCC) before handing them to the muxer.
type EncodedVideoFrame struct {
	IsConfig bool
	SPS, PPS []byte
	NALs     [][]byte
	IsKey    bool
	PTSMs    int64
}

// RawVideoFrame is one unit of output straight off the platform encoder:
// a continuous Annex-B byte stream (NAL units separated by 3- or 4-byte
// start codes), not yet split. The coordinator's drain loop is responsible
// for locating NAL boundaries and parameter sets in Data; the platform
// encoder does no NAL-aware parsing of its own output.
type RawVideoFrame struct {
	Data          []byte
	IsKeyframe    bool
	IsCodecConfig bool
	PTSMs         int64
}

// VideoEncoder is the platform hardware video encoder handle this package
// drives. InputSurface returns an opaque platform handle (e.g. an Android
// Surface or a VideoToolbox pixel buffer) that the capture layer renders
// into directly; this package never touches it, only passes it through.
type VideoEncoder interface {
	Configure(p Profile) error
	InputSurface() any
	PollOutput(timeout time.Duration) (*RawVideoFrame, error)
	SetBitrate(kbps int) error
	Stop() error
}

// FrameHandler receives frames ready for muxing: either a one-time
// sequence-header style delivery (IsConfig) or a regular access unit.
type FrameHandler func(*EncodedVideoFrame)

// Coordinator owns the drain goroutine for one VideoEncoder instance across
// the lifetime of a publish session. The drain goroutine starts exactly once
// (guarded by isEncoding) and is never restarted on reconnect - only
// isTransportUp flips, so a concurrent PollOutput/Stop race with the
// hardware codec's single-consumer dequeue can never happen.
type Coordinator struct {
	enc VideoEncoder

	isEncoding    atomic.Bool
	isTransportUp atomic.Bool

	onFrame FrameHandler

	mu  sync.Mutex
	sps []byte
	pps []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pollTimeout time.Duration
	log         *slog.Logger
}

// NewCoordinator constructs a Coordinator around enc.
func NewCoordinator(enc VideoEncoder) *Coordinator {
	return &Coordinator{
		enc:         enc,
		pollTimeout: 200 * time.Millisecond,
		log:         logger.Logger().With("component", "encoder.coordinator"),
	}
}

// InputSurface exposes the underlying encoder's capture target.
func (c *Coordinator) InputSurface() any { return c.enc.InputSurface() }

// Start configures the encoder for profile and launches the drain loop. A
// second call while already encoding is a no-op (P6: the drain goroutine
// must start exactly once per session).
func (c *Coordinator) Start(profile Profile, onFrame FrameHandler) error {
	if c.isEncoding.Load() {
		return nil
	}
	if err := c.enc.Configure(profile); err != nil {
		return errors.NewEncoderFailed("encoder.coordinator.start.configure", err)
	}
	c.onFrame = onFrame
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.isEncoding.Store(true)
	c.isTransportUp.Store(true)

	c.wg.Add(1)
	go c.drainLoop()
	return nil
}

// SetTransportUp is called by the publisher supervisor when the RTMP
// connection goes down or comes back. The drain loop keeps running either
// way; while down, its output is discarded rather than forwarded, since
// there is nowhere to send it.
func (c *Coordinator) SetTransportUp(up bool) { c.isTransportUp.Store(up) }

// SetBitrate passes a new target bitrate straight through to the hardware
// encoder. The coordinator applies no adaptation policy of its own - any
// bitrate-ladder decision is made by the caller, once per invocation.
func (c *Coordinator) SetBitrate(kbps int) error {
	if err := c.enc.SetBitrate(kbps); err != nil {
		return errors.NewEncoderFailed("encoder.coordinator.set_bitrate", err)
	}
	return nil
}

// ResendConfig redelivers the most recently observed SPS/PPS to onFrame,
// used after a reconnect so the new RTMP session gets its own sequence
// header without restarting the encoder. Returns false if no config has
// been observed yet.
func (c *Coordinator) ResendConfig() bool {
	c.mu.Lock()
	sps, pps := c.sps, c.pps
	c.mu.Unlock()
	if sps == nil || pps == nil {
		return false
	}
	c.onFrame(&EncodedVideoFrame{IsConfig: true, SPS: sps, PPS: pps})
	return true
}

// Stop halts the drain loop and releases the hardware encoder.
func (c *Coordinator) Stop() error {
	if !c.isEncoding.Load() {
		return nil
	}
	c.isEncoding.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.enc.Stop(); err != nil {
		return errors.NewEncoderFailed("encoder.coordinator.stop", err)
	}
	return nil
}

func (c *Coordinator) drainLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		raw, err := c.enc.PollOutput(c.pollTimeout)
		if err != nil {
			c.log.Warn("video encoder poll failed", "error", err)
			continue
		}
		if raw == nil {
			continue // timed out with no output ready
		}

		nals := media.SplitAnnexB(raw.Data)

		sps, pps, haveConfig := media.ExtractParameterSets(nals)
		if haveConfig {
			c.mu.Lock()
			c.sps, c.pps = sps, pps
			c.mu.Unlock()
			if !c.isTransportUp.Load() {
				continue
			}
			c.onFrame(&EncodedVideoFrame{IsConfig: true, SPS: sps, PPS: pps})
			continue
		}

		if !c.isTransportUp.Load() {
			continue
		}
		c.onFrame(&EncodedVideoFrame{
			NALs:  nals,
			IsKey: raw.IsKeyframe || media.ContainsKeyframe(nals),
			PTSMs: raw.PTSMs,
		})
	}
}
