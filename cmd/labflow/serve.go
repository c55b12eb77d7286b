package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/labflow/internal/panel"
	"github.com/rendis/labflow/internal/scheduler"
	"github.com/rendis/labflow/internal/store"
	"github.com/rendis/labflow/internal/streaming"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", "", "HTTP listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := serve(ctx, a); err != nil {
		a.logger.Error("serve failed", "error", err)
		a.Close(context.Background())
		return 1
	}
	return 0
}

// serve runs every background component until ctx is done, then shuts
// them down in reverse order.
func serve(ctx context.Context, a *app) error {
	sched := scheduler.NewScheduler(a.exec, a.logger)
	for _, job := range a.cfg.Schedules {
		if err := sched.AddJob(job); err != nil {
			return err
		}
	}
	monitor, err := scheduler.NewHardwareMonitor(a.hw, a.logger, a.cfg.MonitorSchedule)
	if err != nil {
		return err
	}

	recorder := store.NewEventRecorder(a.store, a.hub, a.logger)
	forwarder := streaming.NewForwarder(a.hub, newBroadcaster(a.cfg.BroadcastURL, a.logger), a.logger, 0)

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           newPanel(a, sched, monitor).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	bg, bgCtx := errgroup.WithContext(ctx)
	recorderReady := make(chan struct{})
	forwarderReady := make(chan struct{})
	bg.Go(func() error { return recorder.Run(bgCtx, recorderReady) })
	bg.Go(func() error { return forwarder.Run(bgCtx, forwarderReady) })
	for _, ready := range []chan struct{}{recorderReady, forwarderReady} {
		select {
		case <-ready:
		case <-bgCtx.Done():
		}
	}

	if err := sched.Start(bgCtx); err != nil {
		return err
	}
	monitor.Start()

	bg.Go(func() error {
		a.logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-bgCtx.Done()
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	monitor.Stop()
	_ = sched.Stop()
	a.Close(shutdownCtx)

	return bg.Wait()
}

func newPanel(a *app, sched *scheduler.Scheduler, monitor *scheduler.HardwareMonitor) *panel.Server {
	return panel.NewServer(panel.Deps{
		Executor:  a.exec,
		Store:     a.store,
		Hub:       a.hub,
		Hardware:  a.hw,
		Monitor:   monitor,
		Schedules: sched,
		Gatherer:  a.registry,
		Version:   version,
		Logger:    a.logger,
	})
}

// newBroadcaster posts progress updates to url, or logs them when url is empty.
func newBroadcaster(url string, logger *slog.Logger) streaming.Broadcaster {
	if url == "" {
		return streaming.BroadcasterFunc(func(_ context.Context, workflowID string, update any) error {
			logger.Debug("progress", slog.String("workflow_id", workflowID), slog.Any("update", update))
			return nil
		})
	}
	client := &http.Client{Timeout: 5 * time.Second}
	return streaming.BroadcasterFunc(func(ctx context.Context, workflowID string, update any) error {
		body, err := json.Marshal(map[string]any{"workflow_id": workflowID, "update": update})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("broadcast %s: status %d", workflowID, resp.StatusCode)
		}
		return nil
	})
}
