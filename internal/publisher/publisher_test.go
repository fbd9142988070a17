package publisher

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/st-vunguyen/rtmp-publisher/internal/audio"
	"github.com/st-vunguyen/rtmp-publisher/internal/encoder"
	"github.com/st-vunguyen/rtmp-publisher/internal/flags"
	"github.com/st-vunguyen/rtmp-publisher/internal/mockingest"
)

// fakeVideoEncoder is a scriptable encoder.VideoEncoder double. configured
// counts Configure calls so tests can assert the hardware encoder opens at
// most once per session (P6) even across a reconnect.
type fakeVideoEncoder struct {
	configured int32
	stopped    int32
	frames     chan *encoder.RawVideoFrame
}

func newFakeVideoEncoder() *fakeVideoEncoder {
	return &fakeVideoEncoder{frames: make(chan *encoder.RawVideoFrame, 16)}
}

func (f *fakeVideoEncoder) Configure(encoder.Profile) error {
	atomic.AddInt32(&f.configured, 1)
	return nil
}
func (f *fakeVideoEncoder) InputSurface() any { return "surface" }
func (f *fakeVideoEncoder) PollOutput(timeout time.Duration) (*encoder.RawVideoFrame, error) {
	select {
	case fr := <-f.frames:
		return fr, nil
	case <-time.After(timeout):
		return nil, nil
	}
}
func (f *fakeVideoEncoder) SetBitrate(int) error { return nil }
func (f *fakeVideoEncoder) Stop() error {
	atomic.AddInt32(&f.stopped, 1)
	return nil
}

// silentSource is an audio.AudioCaptureSource that always yields silence and
// returns at once, just enough to keep the mixer's drain loop fed without a
// real capture device.
type silentSource struct{}

func (silentSource) ReadStereoPCM16(buf []int16, nSamples int) (int, error) {
	for i := range buf {
		buf[i] = 0
	}
	return nSamples, nil
}

// fakeAACEncoder is a minimal audio.AACEncoder double: it emits one config
// frame and echoes back a fixed-size data frame per EncodeFrame call.
type fakeAACEncoder struct{}

func (fakeAACEncoder) Configure(int, int) error { return nil }
func (fakeAACEncoder) SequenceHeader() (*audio.EncodedAudioFrame, error) {
	return &audio.EncodedAudioFrame{IsConfig: true, ASC: []byte{0x12, 0x10}}, nil
}
func (fakeAACEncoder) EncodeFrame(pcm []int16, ptsMs int64) (*audio.EncodedAudioFrame, error) {
	return &audio.EncodedAudioFrame{Data: []byte{0xAA, 0xBB}, PTSMs: ptsMs}, nil
}
func (fakeAACEncoder) Stop() error { return nil }

func newTestSupervisor(t *testing.T, fe *fakeVideoEncoder) *Supervisor {
	t.Helper()
	st := flags.NewStore(t.TempDir() + "/flags.json")
	return NewSupervisor(fe, fakeAACEncoder{}, silentSource{}, silentSource{}, VideoConfig{Width: 1280, Height: 720, FPS: 30}, st)
}

func TestSupervisor_StickyManualStop(t *testing.T) {
	srv, err := mockingest.Start()
	require.NoError(t, err)
	defer srv.Close()

	fe := newFakeVideoEncoder()
	sup := newTestSupervisor(t, fe)

	url := fmt.Sprintf("rtmp://%s/live2", srv.Addr())
	require.NoError(t, sup.Start(url, "K-TEST"))
	waitForState(t, sup, Publishing)

	sup.Stop()
	require.Equal(t, Terminated, sup.getState())

	// A disconnect arriving after a manual stop must never start a
	// reconnect flight (P8).
	sup.onDisconnected(nil)
	time.Sleep(50 * time.Millisecond)
	require.False(t, sup.reconnecting.Load())
	require.Equal(t, Terminated, sup.getState())

	var sawManualStop bool
	drainEvents(sup, func(ev Event) {
		if ev.Kind == EventStreamStopped && ev.StreamStopped.Manual {
			sawManualStop = true
		}
	})
	require.True(t, sawManualStop)
}

func TestSupervisor_ReconnectPreservesEncoder(t *testing.T) {
	srv, err := mockingest.Start()
	require.NoError(t, err)
	defer srv.Close()

	fe := newFakeVideoEncoder()
	sup := newTestSupervisor(t, fe)
	defer sup.Stop()

	url := fmt.Sprintf("rtmp://%s/live2", srv.Addr())
	require.NoError(t, sup.Start(url, "K-TEST"))
	waitForState(t, sup, Publishing)

	srv.DisconnectCurrent()

	require.Eventually(t, func() bool {
		return sup.getState() == Publishing
	}, 5*time.Second, 10*time.Millisecond, "expected supervisor to re-enter Publishing after reconnect")

	require.Equal(t, int32(1), atomic.LoadInt32(&fe.configured),
		"video encoder hardware must be configured exactly once across a reconnect")

	peers := srv.Peers()
	require.Len(t, peers, 2, "reconnect must dial a fresh connection")
}

func TestSupervisor_ToggleMicAndSystemAudio(t *testing.T) {
	srv, err := mockingest.Start()
	require.NoError(t, err)
	defer srv.Close()

	fe := newFakeVideoEncoder()
	sup := newTestSupervisor(t, fe)
	defer sup.Stop()

	url := fmt.Sprintf("rtmp://%s/live2", srv.Addr())
	require.NoError(t, sup.Start(url, "K-TEST"))
	waitForState(t, sup, Publishing)

	require.True(t, sup.MicEnabled())
	require.False(t, sup.ToggleMic())
	require.False(t, sup.MicEnabled())

	require.True(t, sup.SystemAudioEnabled())
	require.False(t, sup.ToggleSystemAudio())
	require.False(t, sup.SystemAudioEnabled())
}

func TestSupervisor_ReconnectExhaustionTerminates(t *testing.T) {
	srv, err := mockingest.Start()
	require.NoError(t, err)

	fe := newFakeVideoEncoder()
	sup := newTestSupervisor(t, fe)
	defer sup.Stop()

	url := fmt.Sprintf("rtmp://%s/live2", srv.Addr())
	require.NoError(t, sup.Start(url, "K-TEST"))
	waitForState(t, sup, Publishing)

	// Force the live connection down, then close the listener so every
	// reconnect attempt fails outright, exhausting the fixed five-attempt
	// backoff schedule.
	srv.DisconnectCurrent()
	srv.Close()

	require.Eventually(t, func() bool {
		return sup.getState() == Terminated
	}, 60*time.Second, 50*time.Millisecond, "expected supervisor to terminate after exhausting reconnect attempts")

	var sawStopped, sawFailed bool
	drainEvents(sup, func(ev Event) {
		switch ev.Kind {
		case EventStreamStopped:
			sawStopped = !ev.StreamStopped.Manual
		case EventStreamFailed:
			sawFailed = true
		}
	})
	require.True(t, sawStopped, "expected a non-manual StreamStopped event")
	require.True(t, sawFailed, "expected a StreamFailed event")
}

func waitForState(t *testing.T, sup *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sup.getState() == want
	}, 5*time.Second, 10*time.Millisecond, "supervisor never reached state %s", want)
}

func drainEvents(sup *Supervisor, fn func(Event)) {
	for {
		select {
		case ev := <-sup.Events():
			fn(ev)
		default:
			return
		}
	}
}
