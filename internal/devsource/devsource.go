// Package devsource provides synthetic implementations of the encoder and
// capture interfaces the supervisor consumes. Real screen capture and the
// platform H.264/AAC hardware encoders are external collaborators this repo
// never binds to (section 6.4); devsource exists only so cmd/publisher has
// something concrete to drive end-to-end against a real or mock ingest
// server, for wire-level smoke testing rather than codec fidelity.
package devsource

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/st-vunguyen/rtmp-publisher/internal/audio"
	"github.com/st-vunguyen/rtmp-publisher/internal/encoder"
)

// staticSPS and staticPPS are a fixed, valid-looking Annex-B parameter set
// pair (profile High, level as configured is not actually reflected here -
// this is a synthetic stream, not a real encode). Good enough to exercise
// AVCDecoderConfigurationRecord construction and wire framing.
var (
	staticSPS = []byte{0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50, 0x05, 0xbb, 0x01, 0x6a, 0x02, 0x02, 0x02, 0x80}
	staticPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
)

// VideoSource is a synthetic encoder.VideoEncoder: it emits the parameter
// set pair on the first PollOutput after Configure, then one fixed-size
// synthetic slice every frame interval: an IDR slice every
// KeyframeIntervalSec*FPS frames, a non-IDR slice otherwise. It never reads a
// real surface.
type VideoSource struct {
	profile encoder.Profile

	configSent atomic.Bool
	ticker     *time.Ticker
	frameIdx   int64
	stopCh     chan struct{}
}

// NewVideoSource constructs an idle VideoSource; Configure starts its
// internal frame clock.
func NewVideoSource() *VideoSource { return &VideoSource{} }

func (v *VideoSource) Configure(p encoder.Profile) error {
	v.profile = p
	interval := time.Second / time.Duration(p.FPS)
	v.ticker = time.NewTicker(interval)
	v.stopCh = make(chan struct{})
	v.configSent.Store(false)
	return nil
}

// InputSurface returns nil: there is no real capture surface behind this
// implementation.
func (v *VideoSource) InputSurface() any { return nil }

func (v *VideoSource) PollOutput(timeout time.Duration) (*encoder.RawVideoFrame, error) {
	if v.configSent.CompareAndSwap(false, true) {
		return &encoder.RawVideoFrame{Data: annexB(staticSPS, staticPPS), IsCodecConfig: true}, nil
	}
	select {
	case <-v.ticker.C:
		v.frameIdx++
		isKey := v.frameIdx%int64(v.profile.KeyframeIntervalSec*v.profile.FPS) == 0
		return &encoder.RawVideoFrame{
			Data:       annexB(syntheticSlice(isKey)),
			IsKeyframe: isKey,
			PTSMs:      v.frameIdx * 1000 / int64(v.profile.FPS),
		}, nil
	case <-v.stopCh:
		return nil, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (v *VideoSource) SetBitrate(int) error { return nil }

func (v *VideoSource) Stop() error {
	if v.ticker != nil {
		v.ticker.Stop()
	}
	if v.stopCh != nil {
		close(v.stopCh)
	}
	return nil
}

// syntheticSlice returns a fixed-size NAL unit tagged as an IDR slice (type
// 5) or a non-IDR slice (type 1), with filler payload bytes.
func syntheticSlice(key bool) []byte {
	nalType := byte(1)
	if key {
		nalType = 5
	}
	out := make([]byte, 64)
	out[0] = 0x00 | nalType
	return out
}

// annexB concatenates NAL units into a single Annex-B byte stream, each
// prefixed by a 4-byte 0x00000001 start code, mirroring what a real
// hardware encoder emits before any NAL-unit splitting happens.
func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

// SilenceSource is a synthetic audio.AudioCaptureSource that produces a
// quiet 220Hz tone, useful for confirming the mixer/encoder pipeline
// actually moves audio without needing a microphone.
type SilenceSource struct {
	phase float64
}

func (s *SilenceSource) ReadStereoPCM16(buf []int16, nSamples int) (int, error) {
	const freq = 220.0
	const amp = 0.05 // quiet: this is a smoke-test tone, not program audio
	step := 2 * math.Pi * freq / float64(audio.SampleRate)
	for i := 0; i < nSamples; i++ {
		v := int16(amp * 32767 * math.Sin(s.phase))
		buf[i*2] = v
		buf[i*2+1] = v
		s.phase += step
	}
	return nSamples, nil
}

// PassthroughAAC is a synthetic audio.AACEncoder: it does not perform a real
// AAC encode, it wraps the raw PCM bytes behind the AACEncoder interface so
// the mixer's drain loop and the FLV muxer's framing can be exercised.
type PassthroughAAC struct{}

func (PassthroughAAC) Configure(int, int) error { return nil }

func (PassthroughAAC) SequenceHeader() (*audio.EncodedAudioFrame, error) {
	return &audio.EncodedAudioFrame{IsConfig: true, ASC: []byte{0x12, 0x10}}, nil
}

func (PassthroughAAC) EncodeFrame(pcm []int16, ptsMs int64) (*audio.EncodedAudioFrame, error) {
	data := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return &audio.EncodedAudioFrame{Data: data, PTSMs: ptsMs}, nil
}

func (PassthroughAAC) Stop() error { return nil }
