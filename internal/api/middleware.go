package api

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

type middlewareFunc func(http.Handler) http.Handler

// chainMiddleware wraps h so the first middleware listed runs first.
func chainMiddleware(h http.Handler, m ...middlewareFunc) http.Handler {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func recoverHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Ctx(r.Context()).Error().
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorBody("internal", "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggerHandler puts a request-scoped logger in the context and writes one
// access line per request unless skip matches.
func loggerHandler(skip func(w http.ResponseWriter, r *http.Request) bool) middlewareFunc {
	access := hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	})
	return func(next http.Handler) http.Handler {
		logged := hlog.NewHandler(log.Logger)(access(next))
		quiet := hlog.NewHandler(log.Logger)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip != nil && skip(w, r) {
				quiet.ServeHTTP(w, r)
				return
			}
			logged.ServeHTTP(w, r)
		})
	}
}

func realIPHandler(next http.Handler) http.Handler {
	return middleware.RealIP(hlog.RemoteAddrHandler("ip")(next))
}

func requestIDHandler(next http.Handler) http.Handler {
	return hlog.RequestIDHandler("req_id", "X-Request-Id")(next)
}

var corsHandler = cors.Handler(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
	ExposedHeaders: []string{"X-Request-Id"},
	MaxAge:         300,
})
