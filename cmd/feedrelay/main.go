package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedrelay/internal/app"
)

const stopTimeout = 15 * time.Second

func main() {
	var (
		cfgPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.BoolVar(&once, "once", false, "poll every feed once and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if once {
		results := a.RunOnce(ctx)
		for _, r := range results {
			fmt.Printf("%s\t%s\tarticles=%d\tlogged=%d\tnext=%s\n",
				r.FeedID, r.Status, r.Articles, r.Delivery.Total(), r.NextPollAt.Format(time.RFC3339))
		}
		stop(a)
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		stop(a)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	stop(a)
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func stop(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(ctx)
}
