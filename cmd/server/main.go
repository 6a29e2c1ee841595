package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vodserve/internal/browse"
	"vodserve/internal/platform/config"
	"vodserve/internal/platform/logger"
	"vodserve/internal/platform/metrics"
	"vodserve/internal/vod"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	open := config.GetEnvBool("OPEN", false)
	mediaRoot := config.GetEnv("MEDIA_ROOT", ".")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	opts := vod.SessionOptions{
		WindowSize:      config.GetEnvInt("WINDOW_SIZE", 5),
		MaxSegments:     config.GetEnvInt("MAX_SEGMENTS", 30),
		InitialSegments: config.GetEnvInt("INITIAL_SEGMENTS", 6),
	}
	cfg := vod.DefaultTranscodingConfig()
	cfg.SegmentSeconds = config.GetEnvInt("SEGMENT_DURATION", cfg.SegmentSeconds)

	idleTimeout := config.GetEnvDuration("IDLE_TIMEOUT", 5*time.Minute)
	sweepInterval := config.GetEnvDuration("SWEEP_INTERVAL", 30*time.Second)
	pollInterval := config.GetEnvDuration("POLL_INTERVAL", 250*time.Millisecond)
	pollAttempts := config.GetEnvInt("POLL_ATTEMPTS", 40)

	log := logger.New(logLevel, logFormat)

	met := metrics.New()
	launcher := vod.NewFFmpegLauncher(config.GetEnv("FFMPEG", "ffmpeg"), log)
	reg := vod.NewRegistry(mediaRoot, idleTimeout, opts, cfg, launcher, log, met)
	h := vod.NewHandler(reg, log, met, pollInterval, pollAttempts)
	dir := browse.NewHandler(mediaRoot, log)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go reg.Sweep(sweepCtx, sweepInterval)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() { met.SetActiveSessions(reg.ActiveSessionCount()) }).ServeHTTP(w, req)
	})
	r.Get("/*", h.Routes(dir))

	host := "127.0.0.1"
	if open {
		host = "0.0.0.0"
	}
	addr := host + ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"addr", addr,
		"media_root", mediaRoot,
		"window_size", opts.WindowSize,
		"max_segments", opts.MaxSegments,
		"idle_timeout", idleTimeout.String(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	stopSweep()
	reg.Close()

	log.Info("server stopped")
}
