// Command ecosimd runs one federated simulation server process: it brings
// up every singleton via startup.Manager, serves api.Router over HTTP, and
// shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/biotronics/ecosim/api"
	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/cmn/nlog"
	"github.com/biotronics/ecosim/startup"
)

func main() {
	cfg := cmn.FromEnv()
	nlog.SetLevel(nlog.ParseLevel(cfg.LogLevel))
	cmn.GCO.Put(cfg)

	app, err := startup.NewAppContext(cfg)
	if err != nil {
		nlog.Errorf("ecosimd: new app context: %v", err)
		os.Exit(1)
	}

	manager := startup.NewManager(app)
	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if err := manager.Start(ctx); err != nil {
		nlog.Errorf("ecosimd: startup: %v", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.APIPort),
		Handler:      api.NewRouter(app).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections hold writes open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		nlog.Infof("ecosimd: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		nlog.Infof("ecosimd: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			nlog.Errorf("ecosimd: server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		nlog.Errorf("ecosimd: http shutdown: %v", err)
	}
	manager.Stop()
	nlog.Infof("ecosimd: stopped")
}
