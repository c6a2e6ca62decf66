package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskd/internal/app"
	"taskd/internal/config"
	"taskd/pkg/systemd"
)

func main() {
	var cfgPath, planPath string
	var stopTimeout time.Duration
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&planPath, "plan", "", "optional plan file with tasks to submit at startup")
	flag.DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "graceful shutdown budget")
	flag.Parse()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if planPath != "" {
		plan, err := config.LoadPlan(planPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal plan:", err)
			os.Exit(1)
		}
		// Rejected plan entries are reported but do not stop the daemon.
		if _, err := a.SubmitPlan(plan); err != nil {
			fmt.Fprintln(os.Stderr, "plan:", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = systemd.Ready()
	_, _ = systemd.Status("running, %d workers", a.Controller().Engine().Workers)
	go func() { _ = systemd.Watchdog(ctx) }()

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.StopReasonFromSignal(sig)
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = systemd.Stopping()
	_, _ = systemd.Status("stopping (%s)", reason)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if stopErr != nil {
		fmt.Fprintln(os.Stderr, "stop:", stopErr)
		os.Exit(1)
	}
}
