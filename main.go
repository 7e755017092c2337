package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"speech_room/internal/api"
	"speech_room/internal/middleware"
	"speech_room/internal/models"
	"speech_room/internal/repository"
	"speech_room/internal/service"
	"speech_room/internal/storage"
	"speech_room/internal/summary"
	"speech_room/pkg/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("speech_room", pflag.ContinueOnError)

	var (
		configPath = fs.StringP("config", "c", "", "path to config file")
		_          = fs.StringP("addr", "a", ":8080", "http listen address")
		_          = fs.StringP("log-level", "l", "info", "log level")
		dbDebug    = fs.Bool("db-debug", false, "log every sql statement")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	// 載入設定：設定檔 -> SPEECH_ 環境變數 -> 命令列
	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	lvl, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse log level")
	}
	logger = logger.Level(lvl)
	if lvl > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := storage.NewPostgresDB(storage.Options{
		Host:     cfg.DB.Host,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		Name:     cfg.DB.Name,
		Port:     cfg.DB.Port,
		Timezone: cfg.DB.Timezone,
		Debug:    *dbDebug,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	if err := db.AutoMigrate(&models.User{}, &models.Room{}, &models.FeedbackRecord{}, &models.SessionReport{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to auto migrate database")
	}

	repos := repository.NewRepositories(db)

	opts := service.Options{Config: cfg, Logger: &logger}
	// 沒有設定端點時 summary.New 回傳 nil，不能直接放進介面
	if client := summary.New(summary.Config{
		Endpoint:   cfg.Summary.Endpoint,
		APIKeys:    cfg.Summary.APIKeys,
		Timeout:    cfg.Summary.Timeout,
		MaxRetries: cfg.Summary.MaxRetries,
		Logger:     &logger,
	}); client != nil {
		opts.Summarizer = client
	} else {
		logger.Info().Msg("summary endpoint not configured, reports will have no summary")
	}
	services := service.NewServices(repos, opts)

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(&logger))
	api.SetupRoutes(r, services, cfg.WebSocket.SendBuffer, &logger)

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: r,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Warn().Msg("shutting down")

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		// 先關閉所有房間連線，hijack 過的 WebSocket 不受 http.Server.Shutdown 管理
		if err := services.WebSocket.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("websocket shutdown")
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
}
