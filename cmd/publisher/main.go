package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/st-vunguyen/rtmp-publisher/internal/devsource"
	"github.com/st-vunguyen/rtmp-publisher/internal/flags"
	"github.com/st-vunguyen/rtmp-publisher/internal/logger"
	"github.com/st-vunguyen/rtmp-publisher/internal/publisher"
)

var version = "dev"

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("rtmp-publisher"),
		kong.Description("Captures a synthetic screen/audio feed and publishes it over RTMP/RTMPS."),
		kong.UsageOnError(),
	)
	if c.Version {
		fmt.Println(version)
		return
	}
	if c.URL == "" || c.Key == "" {
		fmt.Println("Error: --url and --key are required")
		os.Exit(2)
	}

	logger.Init()
	if err := logger.SetLevel(c.LogLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", c.LogLevel)
	}
	log := logger.Logger().With("component", "cli")

	flagsPath := c.FlagsPath
	if flagsPath == "" {
		flagsPath = defaultFlagsPath()
	}
	store := flags.NewStore(flagsPath)

	videoCfg := publisher.VideoConfig{Width: c.Width, Height: c.Height, FPS: c.FPS}
	sup := publisher.NewSupervisor(
		devsource.NewVideoSource(),
		devsource.PassthroughAAC{},
		&devsource.SilenceSource{},
		&devsource.SilenceSource{},
		videoCfg,
		store,
	)
	if c.CABundle != "" {
		sup.SetCABundlePath(c.CABundle)
	}

	go logEvents(log, sup)

	if c.NoMic {
		sup.ToggleMic()
	}
	if c.NoSystem {
		sup.ToggleSystemAudio()
	}

	if err := sup.Start(c.URL, c.Key); err != nil {
		log.Error("failed to start publishing", "error", err)
		os.Exit(1)
	}
	log.Info("publishing started", "url", c.URL, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("publisher stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}

// logEvents drains the supervisor's event stream for the life of the
// process, turning Metrics/ReconnectAttempt/StreamStopped/StreamFailed into
// structured log lines. This stands in for the overlay/notification layer
// the core treats as an external collaborator.
func logEvents(log *slog.Logger, sup *publisher.Supervisor) {
	for ev := range sup.Events() {
		switch ev.Kind {
		case publisher.EventMetrics:
			log.Info("metrics", "bitrate_kbps", ev.Metrics.BitrateKbps, "fps", ev.Metrics.FPS,
				"elapsed_ms", ev.Metrics.ElapsedMs, "dropped_frames", ev.Metrics.DroppedFrames)
		case publisher.EventReconnectAttempt:
			log.Warn("reconnect attempt", "n", ev.ReconnectAttempt.N, "delay_ms", ev.ReconnectAttempt.DelayMs)
		case publisher.EventStreamStopped:
			log.Info("stream stopped", "manual", ev.StreamStopped.Manual)
		case publisher.EventStreamFailed:
			log.Warn("stream failed", "reason", ev.StreamFailed.Reason)
		}
	}
}

// defaultFlagsPath places the persisted manual-stop/was-streaming flags
// under the user's config directory, falling back to the working directory
// if that cannot be determined.
func defaultFlagsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "rtmp-publisher", "flags.json")
}
