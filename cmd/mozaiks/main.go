// Command mozaiks serves multi-agent workflow sessions over HTTP and
// WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
)

func main() {
	cfg := loadConfig()
	var (
		addrF = flag.String("http-addr", cfg.HTTPAddr, "HTTP listen address")
		dbgF  = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()
	cfg.HTTPAddr = *addrF

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTPAddr}, log.KV{K: "provider", V: cfg.Provider})

	s, err := newStack(ctx, cfg, telemetry.NewClueLogger(), telemetry.NewOtelMetrics(), telemetry.NewOtelTracer())
	if err != nil {
		log.Fatalf(ctx, err, "failed to initialize runtime")
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)
	reload := make(chan string, 1)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for sig := range c {
			if sig == syscall.SIGHUP {
				select {
				case reload <- "":
				default:
				}
				continue
			}
			errc <- fmt.Errorf("%s", sig)
			return
		}
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loader.Watch(ctx, reload)
	}()
	go func() {
		defer wg.Done()
		prune(ctx, s, cfg.PruneIdle)
	}()
	handleHTTPServer(ctx, cfg.HTTPAddr, newHandler(ctx, s, *dbgF), &wg, errc)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	closeCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := s.close(closeCtx); err != nil {
		log.Errorf(ctx, err, "failed to release runtime")
	}
	log.Printf(ctx, "exited")
}

// prune drops idle client outboxes until ctx is canceled.
func prune(ctx context.Context, s *stack, idle time.Duration) {
	if idle <= 0 {
		return
	}
	t := time.NewTicker(idle / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.transport.Prune(idle); n > 0 {
				log.Printf(ctx, "pruned %d idle outboxes", n)
			}
		}
	}
}
