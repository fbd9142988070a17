package audio

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSoftClip_PassesThroughWithinRange(t *testing.T) {
	require.InDelta(t, 0.5, softClip(0.5), 1e-9)
	require.InDelta(t, -0.5, softClip(-0.5), 1e-9)
	require.InDelta(t, 0, softClip(0), 1e-9)
}

func TestSoftClip_LimitsOvershoot(t *testing.T) {
	// 1 - 1/(1 + 10*(1.5-1)) = 1 - 1/6 ≈ 0.833
	got := softClip(1.5)
	require.Less(t, got, 1.0)
	require.Greater(t, got, 0.8)

	got = softClip(-1.5)
	require.Greater(t, got, -1.0)
	require.Less(t, got, -0.8)
}

func TestHighPass_AttenuatesDC(t *testing.T) {
	f := newHighPass(highPassCutoffHz, highPassQ, SampleRate)
	var last float64
	for i := 0; i < SampleRate; i++ {
		last = f.Process(1.0) // constant (DC) input
	}
	require.Less(t, last, 0.01, "a high-pass filter should drive a sustained DC input toward zero")
}

// fakeSource always returns a constant sample value, letting tests assert on
// drain counts without real hardware.
type fakeSource struct {
	reads int32
	value int16
}

func (f *fakeSource) ReadStereoPCM16(buf []int16, nSamples int) (int, error) {
	atomic.AddInt32(&f.reads, 1)
	for i := range buf {
		buf[i] = f.value
	}
	return nSamples, nil
}

// fakeAAC is a minimal AACEncoder that just counts calls and echoes PCM length.
type fakeAAC struct {
	mu       sync.Mutex
	frames   int
	sentHdr  bool
	lastSize int
}

func (f *fakeAAC) Configure(sampleRate, channels int) error { return nil }

func (f *fakeAAC) SequenceHeader() (*EncodedAudioFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentHdr = true
	return &EncodedAudioFrame{IsConfig: true, ASC: []byte{0x12, 0x10}}, nil
}

func (f *fakeAAC) EncodeFrame(pcm []int16, ptsMs int64) (*EncodedAudioFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	f.lastSize = len(pcm)
	return &EncodedAudioFrame{Data: []byte{0x01}, PTSMs: ptsMs}, nil
}

func (f *fakeAAC) Stop() error { return nil }

func TestMixer_DisabledSourceStillDrained(t *testing.T) {
	mic := &fakeSource{value: 1000}
	sys := &fakeSource{value: 2000}
	enc := &fakeAAC{}
	m := NewMixer(mic, sys, enc)
	m.SetMicEnabled(false)

	var gotConfig int32
	var gotData int32
	err := m.Start(func(f *EncodedAudioFrame) {
		if f.IsConfig {
			atomic.AddInt32(&gotConfig, 1)
		} else {
			atomic.AddInt32(&gotData, 1)
		}
	})
	require.NoError(t, err)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&gotData) >= 2
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, int32(1), atomic.LoadInt32(&gotConfig))
	require.GreaterOrEqual(t, atomic.LoadInt32(&mic.reads), int32(2),
		"disabled mic source must still be drained, not starved")
}

func TestMixer_StartTwiceIsNoop(t *testing.T) {
	mic := &fakeSource{value: 100}
	sys := &fakeSource{value: 100}
	enc := &fakeAAC{}
	m := NewMixer(mic, sys, enc)
	require.NoError(t, m.Start(func(*EncodedAudioFrame) {}))
	defer m.Stop()
	require.NoError(t, m.Start(func(*EncodedAudioFrame) {}))
}

func TestMixer_MicEnabledToggleDefaultsOn(t *testing.T) {
	m := NewMixer(nil, nil, &fakeAAC{})
	require.True(t, m.MicEnabled())
	require.True(t, m.SystemEnabled())
	m.SetMicEnabled(false)
	require.False(t, m.MicEnabled())
}
