package wsproxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Health is the body of the health endpoint.
type Health struct {
	Status            string `json:"status"`
	Service           string `json:"service"`
	Timestamp         string `json:"timestamp"`
	ActiveConnections int    `json:"activeConnections"`
	Version           string `json:"version"`
}

// Info is the body of the root endpoint.
type Info struct {
	Service   string `json:"service"`
	WebSocket string `json:"websocket"`
	Health    string `json:"health"`
}

// RegisterService adds the relay endpoint and the status endpoints to r.
func (p *Proxy) RegisterService(r *mux.Router) {
	r.Handle(p.path, p).Methods("GET")
	r.HandleFunc("/health", p.health).Methods("GET")
	r.HandleFunc("/", p.info).Methods("GET")
}

func (p *Proxy) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, Health{
		Status:            "healthy",
		Service:           p.serviceName,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		ActiveConnections: p.ActiveConnections(),
		Version:           p.version,
	})
}

func (p *Proxy) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, Info{
		Service:   p.serviceName,
		WebSocket: p.path,
		Health:    "/health",
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
