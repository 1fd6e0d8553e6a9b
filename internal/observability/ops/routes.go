package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"doorbot/internal/door"
	"doorbot/internal/scheduler"
	logx "doorbot/pkg/logx"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler builds the ops router. /healthz stays unauthenticated so local
// probes work without the token.
func Handler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLog(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))

		r.Get("/readyz", deps.readyz)
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/door/last", deps.doorLast)
		r.Get("/status", deps.status)
		r.Get("/schedules", deps.schedules)
		r.Post("/schedules/{name}/run", deps.runSchedule)

		if cfg.Pprof {
			r.Mount("/debug", chimiddleware.Profiler())
		}
	})
	return r
}

func (d Deps) readyz(w http.ResponseWriter, _ *http.Request) {
	if d.Ready == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	ok, why := d.Ready()
	if !ok {
		http.Error(w, "not ready: "+why, http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

type lastResponse struct {
	door.Last
	Text string `json:"text"`
}

func (d Deps) doorLast(w http.ResponseWriter, r *http.Request) {
	if d.History == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	var args []string
	if v := strings.TrimSpace(r.URL.Query().Get("n")); v != "" {
		args = []string{v}
	}
	n, err := door.ParseAmount(args)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res := door.QueryLast(d.History, n)
	if res.Events == nil {
		res.Events = []door.UnlockEvent{}
	}
	writeJSON(w, http.StatusOK, lastResponse{Last: res, Text: res.Format(d.Now())})
}

func (d Deps) status(w http.ResponseWriter, _ *http.Request) {
	if d.Status == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, d.Status())
}

func (d Deps) schedules(w http.ResponseWriter, _ *http.Request) {
	if d.Schedules == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, d.Schedules())
}

func (d Deps) runSchedule(w http.ResponseWriter, r *http.Request) {
	if d.RunSchedule == nil {
		http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
		return
	}
	name := chi.URLParam(r, "name")
	start := d.Now()
	err := d.RunSchedule(name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownSchedule):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"name": name, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"name": name, "took": d.Now().Sub(start).String()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("ops request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
			)
		})
	}
}
