package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"traffic-violation-service/internal/config"
	"traffic-violation-service/internal/db"
	"traffic-violation-service/internal/frames"
	httpapi "traffic-violation-service/internal/http"
	"traffic-violation-service/internal/ingest"
	"traffic-violation-service/internal/metrics"
	"traffic-violation-service/internal/notify"
	"traffic-violation-service/internal/overlay"
	"traffic-violation-service/internal/repository"
	"traffic-violation-service/internal/service"
	sigcache "traffic-violation-service/internal/signal"
	"traffic-violation-service/internal/track"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	gdb, err := db.Connect(cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	repo := repository.New(gdb)
	m := metrics.New()

	notifier := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	defer func() {
		if err := notifier.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka writer")
		}
	}()

	tracks := track.NewStore(
		track.WithMaxSamples(cfg.Pipeline.TrackHistorySize),
		track.WithMissTolerance(cfg.Pipeline.TrackMissTolerance),
	)
	signals := sigcache.NewCache(repo,
		sigcache.WithTTL(cfg.Pipeline.SignalTTL),
		sigcache.WithFastWindow(cfg.Pipeline.SignalFastWindow),
	)
	frameBuffer := frames.NewBuffer(frames.WithWindow(cfg.Pipeline.FrameWindow))
	overlays := overlay.NewManager()

	violationService := service.NewViolationService(service.ViolationServiceParams{
		Store:        repo,
		Frames:       frameBuffer,
		Notifier:     notifier,
		Metrics:      m,
		Log:          log,
		DedupWindow:  cfg.Pipeline.DedupWindow,
		EvidenceSpan: cfg.Pipeline.EvidenceSpan,
		IOTimeout:    cfg.Pipeline.IOTimeout,
	})
	detectionService := service.NewDetectionService(service.DetectionServiceParams{
		Store:       repo,
		Tracks:      tracks,
		Signals:     signals,
		Frames:      frameBuffer,
		Overlay:     overlays,
		Violations:  violationService,
		Notifier:    notifier,
		Metrics:     m,
		Log:         log,
		QueueSize:   cfg.Pipeline.QueueSize,
		IdleTimeout: cfg.Pipeline.CameraIdleTimeout,
		IOTimeout:   cfg.Pipeline.IOTimeout,
	})

	router := httpapi.NewRouter(log)
	handler := httpapi.NewHandler(detectionService, violationService, repo, m, log)
	handler.Register(router, httpapi.JWTAuth(cfg.Auth.JWTSecret, log))

	consumer := ingest.NewConsumer(cfg.MQTT, detectionService, repo, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return consumer.Run(ctx)
	})
	g.Go(func() error {
		return detectionService.Run(ctx)
	})
	g.Go(func() error {
		return runRetention(ctx, repo, cfg.Retention, log)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("service terminated")
	}
	log.Info().Msg("service stopped")
}

// runRetention periodically deletes archived rows past their retention
// windows.
func runRetention(ctx context.Context, repo *repository.Repository, cfg config.RetentionConfig, log zerolog.Logger) error {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweep := []struct {
				name      string
				olderThan time.Duration
				del       func(context.Context, time.Duration) (int64, error)
			}{
				{"detection_cycles", cfg.DetectionCycles, repo.DeleteOldDetectionCycles},
				{"camera_frames", cfg.Frames, repo.DeleteOldFrames},
				{"signal_samples", cfg.SignalSamples, repo.DeleteOldSignalSamples},
			}
			for _, s := range sweep {
				deleted, err := s.del(ctx, s.olderThan)
				if err != nil {
					log.Error().Err(err).Str("table", s.name).Msg("retention sweep failed")
					continue
				}
				if deleted > 0 {
					log.Info().Str("table", s.name).Int64("deleted", deleted).Msg("retention sweep")
				}
			}
		}
	}
}
