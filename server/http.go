package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the HTTP surface: the websocket endpoint plus the
// informational endpoints and prometheus metrics.
func (co *Coordinator) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", co.ServeWS)
	r.HandleFunc("/health", co.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/documents", co.handleDocuments).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", co.handleDocument).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(co.metrics.Registry, promhttp.HandlerOpts{}))
	if co.cfg.CORSOrigin != "" {
		r.Use(corsMiddleware(co.cfg.CORSOrigin))
	}
	return r
}

func corsMiddleware(origin string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (co *Coordinator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	co.mu.RLock()
	clients := len(co.sessions)
	docs := len(co.authorities)
	co.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"timestamp":        time.Now().UnixMilli(),
		"connectedClients": clients,
		"activeDocuments":  docs,
		"totalOperations":  co.totalOps.Load(),
		"uptime":           time.Since(co.started).Milliseconds(),
	})
}

func (co *Coordinator) handleDocuments(w http.ResponseWriter, _ *http.Request) {
	co.mu.RLock()
	ids := make([]string, 0, len(co.authorities))
	for id := range co.authorities {
		ids = append(ids, id)
	}
	co.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"documents": ids})
}

func (co *Coordinator) handleDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	co.mu.RLock()
	auth, ok := co.authorities[id]
	co.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "document not found"})
		return
	}
	info, ok := auth.Info()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "document not found"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}
