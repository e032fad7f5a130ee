// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
)

// Handler returns the relay's HTTP handler: WebSocket upgrades on the
// configured path and GET /healthz.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.serveHealth)
	mux.HandleFunc(r.config.Path, r.serveWebSocket)
	return mux
}

type healthResponse struct {
	Status string `json:"status"`
	Stats
}

func (r *Relay) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthResponse{Status: "ok", Stats: r.Stats()}); err != nil {
		r.logger.Debug("writing health response", "error", err)
	}
}

func (r *Relay) serveWebSocket(w http.ResponseWriter, request *http.Request) {
	ws, err := websocket.Accept(w, request, &websocket.AcceptOptions{
		OriginPatterns: r.config.OriginPatterns,
	})
	if err != nil {
		// Accept has already written an HTTP error response.
		r.logger.Debug("websocket upgrade failed", "remote", request.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(r.config.Limits.MaxFrameSize())

	conn := r.newConn(ws, request.RemoteAddr)
	if !r.track(conn) {
		conn.cancel()
		_ = ws.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	conn.logger.Debug("connection accepted")
	conn.serve()
}
