package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
)

// newHandler builds the HTTP handler of the stack, mounting debug and
// profiler endpoints in debug mode.
func newHandler(ctx context.Context, s *stack, dbg bool) http.Handler {
	mux := goahttp.NewMuxer()
	if dbg {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	(&api{s: s, mux: mux}).mount(mux)

	var handler http.Handler = mux
	if dbg {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan error) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
