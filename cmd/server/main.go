// Call-scoring server: captures live audio, gates it for voice activity,
// and scores it against a master call over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/callscore/platform/internal/audio"
	"github.com/callscore/platform/internal/chunkqueue"
	"github.com/callscore/platform/internal/config"
	"github.com/callscore/platform/internal/engine"
	"github.com/callscore/platform/internal/feature"
	"github.com/callscore/platform/internal/master"
	"github.com/callscore/platform/internal/observe"
	"github.com/callscore/platform/internal/pipeline"
	"github.com/callscore/platform/internal/server"
	"github.com/callscore/platform/internal/vad"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "callscore",
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownMetrics(sctx); err != nil {
			slog.Error("metrics shutdown error", "error", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}

	queue, err := chunkqueue.New(chunkqueue.Config{
		Capacity:      cfg.QueueCapacity,
		ChunkCapacity: cfg.QueueChunkCapacity,
		Strategy:      chunkqueue.Strategy(cfg.QueueStrategy),
	})
	if err != nil {
		return err
	}
	if err := metrics.RegisterQueueStats(func() (uint64, uint64, uint64) {
		s := queue.Stats()
		return s.TotalChunks, s.Overruns, s.Underruns
	}); err != nil {
		return err
	}

	extractorCfg := feature.DefaultBandEnergyConfig()
	extractorCfg.SampleRate = float64(cfg.SampleRate)
	extractor, err := feature.NewBandEnergyExtractor(extractorCfg)
	if err != nil {
		return err
	}

	cache, err := master.NewCache(cfg.CacheDir)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		MastersDir:  cfg.MastersDir,
		HistorySize: cfg.HistorySize,
	}, extractor, feature.WavDecoder{}, cache, metrics)

	gate := vad.NewGate(vad.Config{
		WindowDuration:   cfg.VADWindow(),
		MinSoundDuration: cfg.VADMinSound(),
		PostBuffer:       cfg.VADPostBuffer(),
		EnergyThreshold:  float32(cfg.VADThreshold),
	})

	pipe, err := pipeline.New(pipeline.Config{
		WindowSize: cfg.PipelineWindow,
	}, queue, gate, eng, metrics)
	if err != nil {
		return err
	}

	// Capture is optional: on a headless box the server still accepts
	// sessions fed over the API.
	capturer, err := audio.NewCapturer(audio.Config{
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FramesPerBuffer,
		PreferredDevice: cfg.PreferredDevice,
	}, queue)
	if err != nil {
		slog.Warn("audio capture unavailable", "error", err)
		capturer = nil
	} else if err := capturer.Start(ctx); err != nil {
		slog.Warn("audio capture start failed", "error", err)
		capturer.Stop()
		capturer = nil
	}
	if capturer != nil {
		defer capturer.Stop()
		if err := metrics.RegisterCaptureStats(capturer.Dropped); err != nil {
			return err
		}
	}

	srv := server.New(eng, pipe, cfg, promhttp.Handler())
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := pipe.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		slog.Info("server starting", "http", cfg.HTTPAddr, "masters", cfg.MastersDir)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return httpServer.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
