package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kdimtricp/facesync/internal/api"
	"github.com/kdimtricp/facesync/internal/config"
	"github.com/kdimtricp/facesync/internal/database"
	"github.com/kdimtricp/facesync/internal/detection"
	"github.com/kdimtricp/facesync/internal/logging"
	"github.com/kdimtricp/facesync/internal/storage"
	"github.com/kdimtricp/facesync/internal/transcode"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.UploadDir, 0755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}
	streams, err := storage.NewLocalStorage(cfg.StreamDir)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	db, err := database.NewDB(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	logger.Info("running database migrations", zap.String("path", cfg.MigrationsPath))
	if _, err := database.NewMigrator(db, logger).Run(ctx, cfg.MigrationsPath); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	videoRepo := database.NewVideoRepository(db)
	faceRepo := database.NewFaceDataRepo(db)
	detector := detection.NewRunner(cfg.DetectorCmd, faceRepo, logger)
	if len(cfg.DetectorCmd) == 0 {
		logger.Warn("DETECTOR_CMD not set, process_video will report detection as unavailable")
	}

	app := &api.App{
		Config: api.Config{
			PublicURL:     cfg.PublicURL,
			UploadDir:     cfg.UploadDir,
			VideoFilename: cfg.VideoFilename,
			StreamName:    cfg.StreamName,
			PlaylistName:  cfg.PlaylistName,
			CORSOrigins:   cfg.CORSOrigins,
		},
		Storage:     streams,
		Videos:      videoRepo,
		Faces:       faceRepo,
		Detector:    detector,
		Logger:      logger.Named("api"),
		BaseContext: ctx,
	}

	converter, err := transcode.NewConverter(transcode.Config{
		FFmpegPath:   cfg.FFmpegPath,
		PlaylistName: cfg.PlaylistName,
		PlaylistWait: cfg.PlaylistWait,
	}, streams, logger)
	if err != nil {
		logger.Warn("stream conversion disabled", zap.Error(err))
	} else {
		app.Converter = converter
		if cfg.ConvertOnStartup {
			go startConversion(ctx, converter, filepath.Join(cfg.UploadDir, cfg.VideoFilename), cfg.StreamName, logger)
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger.Info("server starting",
		zap.String("port", cfg.Port),
		zap.String("upload_dir", cfg.UploadDir),
		zap.String("stream_dir", cfg.StreamDir),
		zap.String("video", cfg.VideoFilename),
		zap.String("db_type", cfg.DB.Type))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := detector.Wait(waitCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("detector stopped", zap.Error(err))
	}
	return nil
}

func startConversion(ctx context.Context, converter *transcode.Converter, input, stream string, logger *zap.Logger) {
	logger.Info("initiating HLS conversion", zap.String("input", input))
	if _, err := os.Stat(input); err != nil {
		logger.Error("video file not found", zap.String("path", input), zap.Error(err))
		return
	}
	if _, err := converter.Start(ctx, input, stream); err != nil {
		logger.Error("failed to start HLS conversion", zap.Error(err))
		return
	}
	if err := converter.WaitForPlaylist(ctx, stream); err != nil {
		logger.Error("HLS stream not available", zap.Error(err))
	}
}
