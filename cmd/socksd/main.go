// Command socksd runs the SOCKS4/4A + SOCKS5 proxy daemon described by
// settings.ini in the working directory. No flags; SIGINT/SIGTERM cause
// a graceful reactor shutdown with exit code 0.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/CXDXVR/socks-proxy/internal/config"
	"github.com/CXDXVR/socks-proxy/internal/infra/epoll"
	"github.com/CXDXVR/socks-proxy/internal/proxyserver"
	"github.com/CXDXVR/socks-proxy/pkg/logger"
)

func main() {
	log := logger.Setup(slog.LevelInfo)

	cfg, err := config.Load("settings.ini")
	if err != nil {
		log.Error("failed to load settings.ini", "error", err)
		os.Exit(1)
	}

	loop, err := epoll.New()
	if err != nil {
		log.Error("failed to create event loop", "error", err)
		os.Exit(1)
	}

	srv, err := proxyserver.New(loop, log, cfg)
	if err != nil {
		log.Error("failed to create proxy server", "error", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info("received signal, shutting down", "signal", s.String())
		srv.RequestShutdown()
	}()

	log.Info("socks proxy daemon starting")
	if err := srv.Run(); err != nil {
		log.Error("proxy server stopped unexpectedly", "error", err)
		os.Exit(1)
	}
	log.Info("socks proxy daemon stopped")
}
