package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"
)

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// Handler serves /api/status, /api/settings, /api/logs (when logs is set),
// /api/stream (when hub is set) and a plain status page at /.
func Handler(status *Status, settings SettingsStore, logs *LogBuffer, hub *StreamHub) http.Handler {
	if status == nil {
		status = NewStatus()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		b, err := json.MarshalIndent(status.Snapshot(time.Now().UTC()), "", "  ")
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(b)
		_, _ = w.Write([]byte("\n"))
	})

	mux.Handle("/api/settings", settings.Handler())

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}
	if hub != nil {
		mux.Handle("/api/stream", hub.Handler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := status.Snapshot(time.Now().UTC())
		g := snap.GPS
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>gnssrx</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>gnssrx</h1>")
		_, _ = fmt.Fprintf(w, "<p>JSON: <a href=\"/api/status\">/api/status</a>, <a href=\"/api/settings\">/api/settings</a>, <a href=\"/api/logs?format=text\">/api/logs</a>, websocket /api/stream</p>")
		_, _ = fmt.Fprintf(w, "<pre>device=%s\nparser=%s\nlink_alive=%t\nsignal_acquired=%t\ndecoded=%d malformed=%d\nlast_error=%s</pre>",
			html.EscapeString(g.Device), html.EscapeString(g.Parser),
			g.State.LinkAlive, g.State.SignalAcquired,
			g.Totals.Decoded, g.Totals.Malformed, html.EscapeString(g.LastError),
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

func Serve(ctx context.Context, listenAddr string, status *Status, settings SettingsStore, logs *LogBuffer, hub *StreamHub) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(status, settings, logs, hub),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
