package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"haulnotify/internal/app"
	logx "haulnotify/pkg/logx"
)

func main() {
	var (
		cfgPath string
		check   bool
	)
	flag.StringVar(&cfgPath, "config", "./haulnotify.yaml", "path to config (yaml or json)")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.Parse()

	boot := logx.NewConsole("INFO").With(logx.String("comp", "main"))

	if check {
		if err := app.Validate(cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		fmt.Println("config ok")
		return
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("init failed", logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		boot.Warn("sd_notify ready failed", logx.Err(err))
	}
	go watchdog(ctx, boot)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
		if err := a.Err(); err != nil {
			boot.Error("fatal error", logx.Err(err))
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

// watchdog pings systemd at half the configured WatchdogSec. It is a no-op
// when the unit has no watchdog.
func watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("sd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
