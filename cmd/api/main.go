package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rest-api/backend/internal/auth"
	"rest-api/backend/internal/config"
	"rest-api/backend/internal/db"
	"rest-api/backend/internal/logging"
	"rest-api/backend/internal/server"
	"rest-api/backend/internal/users"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Name, cfg.Version)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mgr := db.NewManager(db.MySQLDialer{}, db.Params{
		Host:     cfg.DB.Host,
		User:     cfg.DB.Username,
		Password: cfg.DB.Password,
		Name:     cfg.DB.Name,
		SQLMode:  cfg.DB.SQLMode,
	},
		db.WithRetryDelay(cfg.DB.ReconnectDelay),
		db.WithKeepAlive(cfg.DB.KeepAlive),
		db.WithLogger(logger.Named("db")),
		db.WithMetrics(db.NewMetrics(reg)),
		db.WithOnConnect(users.Bootstrap(users.Admin{
			Username: cfg.AdminUsername,
			Password: cfg.AdminPassword,
		}, logger.Named("users"))),
	)

	api := server.New(cfg, server.Deps{
		Users:    users.NewStore(mgr),
		Database: mgr,
		Tokens:   auth.NewTokens(cfg.JWTSecret, cfg.Name),
		Logger:   logger.Named("http"),
		Registry: reg,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mgr.Run(gctx)
	})

	ln, err := net.Listen("tcp", httpSrv.Addr)
	if err != nil {
		stop()
		g.Wait()
		return fmt.Errorf("listen %s: %w", httpSrv.Addr, err)
	}
	g.Go(func() error {
		logger.Info(fmt.Sprintf("%s v%s ready to accept connections on port %s in %s environment",
			cfg.Name, cfg.Version, cfg.Port, cfg.Env))
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		var fatal *db.FatalError
		if errors.As(err, &fatal) {
			logger.Error("exiting after fatal database error", zap.String("code", fatal.Code))
		}
		return err
	}
	return nil
}
