package relay

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Logger logs one line per HTTP request, including websocket upgrades.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Info("request", "uri", r.RequestURI, "method", r.Method, "status", ww.Status(), "from", r.RemoteAddr)
	})
}
