// Command orchestratord runs the multi-tenant download orchestrator: it
// owns the subscription registry, admission control, and the reconciler
// loops that keep task state in sync with the daemon, exposing only a
// health/readiness surface directly (the authenticated request API that
// drives submission and cancellation sits in front of this process and is
// out of scope here).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/crmmc/aria2deck/klog"
)

func main() {
	flags := ParseFlags()

	app, err := NewApp(flags)
	if err != nil {
		panic(err)
	}
	if err := app.Initialize(); err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		klog.Fatalf("orchestratord: %s", err)
	}
}
