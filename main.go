package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"

	"quantumhive/internal/auth"
	"quantumhive/internal/channels"
	"quantumhive/internal/config"
	dbpkg "quantumhive/internal/db"
	"quantumhive/internal/handlers"
	"quantumhive/internal/jobs"
	"quantumhive/internal/logx"
	"quantumhive/internal/redisx"
	"quantumhive/internal/secrets"
	tokenpkg "quantumhive/internal/token"
	"quantumhive/internal/upload"
)

func ensureFile(p string) error {
	info, err := os.Stat(p)
	if err == nil {
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", p)
		}
		return nil
	}
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o666)
		if err != nil {
			return err
		}
		return f.Close()
	}
	return err
}

func main() {
	log.Logger = log.Output(zerolog.New(logx.NewRedactor(os.Stdout)).With().Timestamp().Logger())

	cfg := config.Load()

	jwtSecret, err := secrets.ReadFile(cfg.JWTSecretFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load jwt secret")
	}
	redisPass, err := secrets.ReadOptional(cfg.RedisPassFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load redis password")
	}

	if err := ensureFile(cfg.DBPath); err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("create db file")
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=foreign_keys(1)", cfg.DBPath))
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	if err := dbpkg.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate db")
	}

	rdb := redisx.New(cfg.RedisAddr, redisPass, cfg.RedisDB)
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
	}

	for _, p := range []string{cfg.SavePath, cfg.TmpPath} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			log.Fatal().Err(err).Str("path", p).Msg("create storage dir")
		}
	}

	jm := jobs.NewManager(db, rdb, jobs.Config{
		PingTTL:    cfg.PingTTL,
		PausedTTL:  cfg.PausedTTL,
		RunningTTL: cfg.RunningTTL,
	})
	if err := jm.Sync(ctx); err != nil {
		log.Fatal().Err(err).Msg("initial queue sync")
	}
	cm := channels.NewManager(db, rdb, jm, cfg.ChannelMaxJobs)
	gate := tokenpkg.NewGate(rdb)
	assembler := upload.NewAssembler(db, gate, cfg.SavePath, cfg.TmpPath, cfg.UploadTokenTTL)
	authSvc := auth.NewService([]byte(jwtSecret), rdb, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.Every(cfg.TickInterval).Do(func() { cm.Tick(ctx) })
	scheduler.Every(cfg.SweepInterval).Do(func() {
		if err := jm.Manage(ctx); err != nil {
			log.Error().Err(err).Msg("job sweep")
		}
	})
	scheduler.StartAsync()
	defer scheduler.Stop()

	router := handlers.New(handlers.Deps{
		DB:        db,
		RDB:       rdb,
		Auth:      authSvc,
		Gate:      gate,
		Jobs:      jm,
		Channels:  cm,
		Assembler: assembler,
		Cfg:       cfg,
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
