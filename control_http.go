package main

import (
	"encoding/json"
	"net/http"
)

// registerControlRoutes exposes the control surface (spec §6) over
// plain JSON HTTP, the same way health_check.go exposes liveness: one
// handler per command, no auth middleware (left to the collaborator
// fronting this with its own gateway, per spec §1's scope boundary).
func registerControlRoutes(mux *http.ServeMux, c *Controller) {
	mux.HandleFunc("/control/start", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DryRun bool `json:"dry_run"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeControlResult(w, c.Start(r.Context(), body.DryRun))
	})

	mux.HandleFunc("/control/stop", func(w http.ResponseWriter, r *http.Request) {
		writeControlResult(w, c.Stop())
	})

	mux.HandleFunc("/control/pause", func(w http.ResponseWriter, r *http.Request) {
		writeControlResult(w, c.Pause())
	})

	mux.HandleFunc("/control/resume", func(w http.ResponseWriter, r *http.Request) {
		writeControlResult(w, c.Resume())
	})

	mux.HandleFunc("/control/update_config", func(w http.ResponseWriter, r *http.Request) {
		var req UpdateConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeControlResult(w, err)
			return
		}
		c.UpdateConfig(req)
		writeControlResult(w, nil)
	})

	mux.HandleFunc("/control/manual_close", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Symbol string `json:"symbol"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeControlResult(w, err)
			return
		}
		writeControlResult(w, c.ManualClose(r.Context(), body.Symbol))
	})

	mux.HandleFunc("/control/manual_trade", func(w http.ResponseWriter, r *http.Request) {
		var req ManualTradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeControlResult(w, err)
			return
		}
		pos, err := c.ManualTrade(r.Context(), req)
		if err != nil {
			writeControlResult(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pos)
	})
}

func writeControlResult(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
