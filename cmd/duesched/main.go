package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"duesched/internal/app"
)

func main() {
	var (
		cfgPath     string
		check       bool
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./duesched.yaml", "path to config (yaml or json)")
	flag.BoolVar(&check, "check", false, "validate the config, print the first due times and exit")
	flag.DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	if check {
		tasks, err := app.Check(context.Background(), cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid:", err)
			os.Exit(1)
		}
		for _, t := range tasks {
			fmt.Printf("%-24s %-10s %s\n", t.Name, t.Kind, t.Due.Format(time.RFC3339))
		}
		fmt.Printf("ok: %d tasks\n", len(tasks))
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.Run(gctx, stopTimeout)
	})
	// SIGHUP forces a reload in addition to the file watcher.
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				a.Logger().Info("SIGHUP received; reloading config")
				a.Reload(gctx)
			}
		}
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
