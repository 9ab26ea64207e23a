package fleetsync

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	json.NewEncoder(w).Encode(v)
}

// RunStatusServer exposes the engine to the local UI shell: state flags, the
// notification feed, and the signal endpoints the host runtime pushes
// connectivity/activity events through. Rendering is someone else's job;
// this is the whole surface the engine offers it.
func RunStatusServer(e *Engine, bindAddr string) {
	r := mux.NewRouter()
	r.Handle("/status", allowCORS(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, e.Status())
	}))).Methods("GET", "OPTIONS")

	r.Handle("/notifications", allowCORS(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, e.Notifications.Feed())
	}))).Methods("GET", "OPTIONS")

	r.Handle("/notifications/clear", allowCORS(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		e.Notifications.ClearAll()
		w.WriteHeader(204)
	}))).Methods("POST", "OPTIONS")

	r.Handle("/notifications/{id}/read", allowCORS(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		e.Notifications.MarkRead(mux.Vars(req)["id"])
		w.WriteHeader(204)
	}))).Methods("POST", "OPTIONS")

	r.Handle("/notifications/{id}/dismiss", allowCORS(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		e.Notifications.Dismiss(mux.Vars(req)["id"])
		w.WriteHeader(204)
	}))).Methods("POST", "OPTIONS")

	r.Handle("/notifications/{id}/ack", allowCORS(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		e.Notifications.AcknowledgeGlobally(req.Context(), mux.Vars(req)["id"])
		w.WriteHeader(204)
	}))).Methods("POST", "OPTIONS")

	r.Handle("/refresh", allowCORS(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		e.Refresh(req.Context())
		w.WriteHeader(204)
	}))).Methods("POST", "OPTIONS")

	r.Handle("/activity", allowCORS(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		e.RecordActivity()
		w.WriteHeader(204)
	}))).Methods("POST", "OPTIONS")

	r.Handle("/connectivity/{state}", allowCORS(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch mux.Vars(req)["state"] {
		case "online":
			e.SetConnectivity(true)
		case "offline":
			e.SetConnectivity(false)
		default:
			w.WriteHeader(400)
			return
		}
		w.WriteHeader(204)
	}))).Methods("POST", "OPTIONS")

	r.Handle("/metrics", promhttp.Handler())

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(req).Info().
					Str("method", req.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", req.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}

	logger.Info().Msgf("status API listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
