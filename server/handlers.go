package server

import (
	"encoding/json"
	"net/http"
)

// Handlers serves the probe endpoints from a status source.
type Handlers struct {
	src StatusSource
}

// HandleHealthz responds 200 while the sync loop has not stopped.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if !h.src.Status().Healthy() {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds 200 once a sync cycle has completed and the loop is
// not backing off.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	st := h.src.Status()
	w.Header().Set("Content-Type", "application/json")
	if !st.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		body := map[string]string{"status": "not_ready", "state": st.State.String()}
		if st.LastError != "" {
			body["error"] = st.LastError
		}
		_ = json.NewEncoder(w).Encode(body)
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns the sync loop snapshot as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.src.Status())
}
