package routes

// routes/routes.go
// HTTP routing for the anonymous review API.

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/blindreview/auth"
	"github.com/collapsinghierarchy/blindreview/handler"
)

type Options struct {
	Verifier       *auth.Verifier
	AllowedOrigins []string
	Log            *zap.Logger
}

// SetupRoutes wires every endpoint behind the common middleware chain.
func SetupRoutes(srv *handler.Server, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	anon := api.PathPrefix("/anon").Subrouter()
	anon.HandleFunc("/public-key", srv.PublicKey).Methods(http.MethodGet)
	anon.HandleFunc("/submit", srv.Submit).Methods(http.MethodPost)
	anon.HandleFunc("/status", srv.Status).Methods(http.MethodGet)
	anon.HandleFunc("/shuffle", srv.TriggerShuffle).Methods(http.MethodPost)

	// the only routes that see an identity
	identified := alice.New(auth.Middleware(opts.Verifier, handler.Unauthorized))
	anon.Handle("/claim", identified.ThenFunc(srv.Claim)).Methods(http.MethodPost)
	anon.Handle("/claim/status", identified.ThenFunc(srv.ClaimStatus)).Methods(http.MethodGet)

	api.HandleFunc("/professors/{profId}/anonymous-reviews", srv.ListReviews).Methods(http.MethodGet)

	r.HandleFunc("/healthz", handler.Health).Methods(http.MethodGet)

	chain := alice.New(recoverPanics(log), logRequest(r, log), cors(opts.AllowedOrigins))
	return chain.Then(r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// logRequest records method, route template, status and duration. Remote
// address, headers and query strings are never logged.
func logRequest(router *mux.Router, log *zap.Logger) alice.Constructor {
	log = log.Named("access")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			route := "unmatched"
			var m mux.RouteMatch
			if router.Match(r, &m) && m.Route != nil {
				if tpl, err := m.Route.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func recoverPanics(log *zap.Logger) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					log.Error("panic in handler", zap.Any("panic", v), zap.Stack("stack"))
					http.Error(w, `{"success":false,"error":"internal error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// cors allows the listed origins; "*" allows any. Credentials are never
// allowed, the bearer token travels in a header.
func cors(origins []string) alice.Constructor {
	allowed := make(map[string]bool, len(origins))
	all := false
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			all = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (all || allowed[origin]) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", "600")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
