// Command gochat-server runs both listener sockets: the newline command
// stream and the WebSocket real-time stream, backed by a shared store,
// presence registry, and message router (spec §2).
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gochat-core/gochat/internal/auth"
	"github.com/gochat-core/gochat/internal/config"
	"github.com/gochat-core/gochat/internal/crypto"
	"github.com/gochat-core/gochat/internal/logging"
	"github.com/gochat-core/gochat/internal/presence"
	"github.com/gochat-core/gochat/internal/router"
	"github.com/gochat-core/gochat/internal/server"
	"github.com/gochat-core/gochat/internal/store"
)

func main() {
	bootLogger := logging.New("info", "text")

	cfg, err := config.Load(bootLogger)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	sealer := crypto.NewSealer(cfg.MasterKey)
	authMgr := auth.NewManager(st, cfg.SessionLifetime, logger)
	reg := presence.New()
	rtr := router.New(st, sealer, reg, logger)
	srv := server.New(authMgr, rtr, reg, st, logger, cfg.GroupMaxMembers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go authMgr.RunSweepLoop(ctx, cfg.SessionSweepPeriod)

	var tlsConfig *tls.Config
	if cfg.TLSEnable {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Error("load TLS keypair", "err", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	rtServer := &http.Server{
		Addr:    cfg.RealtimeAddr,
		Handler: srv.RealtimeHandler(),
	}

	errCh := make(chan error, 2)

	go func() {
		errCh <- srv.ListenAndServeCommand(cfg.CommandAddr, tlsConfig)
	}()

	go func() {
		logger.Info("real-time stream listening", "addr", cfg.RealtimeAddr)
		var err error
		if tlsConfig != nil {
			err = rtServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = rtServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("listener failed", "err", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	srv.Shutdown()
	if err := rtServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("real-time server shutdown", "err", err)
	}
	cancel()

	slog.SetDefault(logger)
}
