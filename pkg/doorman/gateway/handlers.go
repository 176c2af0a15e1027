package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/doorman-ai/doorman/pkg/doorman/trust"
	"github.com/doorman-ai/doorman/pkg/doorman/worker"
)

const version = "1.0.0"

// senderRequest is the body for approve/block/restore operations.
type senderRequest struct {
	SenderID string `json:"sender_id"`
	Reason   string `json:"reason,omitempty"`
}

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	_ = enc.Encode(errorResponse{Error: struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}{Message: msg, Code: code}})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	channelsMap := make(map[string]string)
	for _, meta := range g.controller.StatusAll() {
		channelsMap[meta.Channel] = string(meta.State)
	}
	g.writeJSON(w, 200, map[string]any{
		"status":   "ok",
		"version":  version,
		"uptime":   uptime,
		"channels": channelsMap,
	})
}

// handleChannels implements GET /api/channels
func (g *Gateway) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	g.writeJSON(w, 200, map[string]any{
		"channels": g.controller.StatusAll(),
	})
}

// handleChannelOp implements /api/channels/{channel}/{op}
//
// GET  pending | allowed | blocked | status
// POST approve | block | restore | start | stop | restart
func (g *Gateway) handleChannelOp(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		g.writeError(w, "not found", 404)
		return
	}
	channel, op := parts[0], parts[1]

	switch op {
	case "pending", "allowed", "blocked", "status":
		if r.Method != http.MethodGet {
			g.writeError(w, "method not allowed", 405)
			return
		}
		g.handleChannelGet(w, r, channel, op)
	case "approve", "block", "restore", "start", "stop", "restart":
		if r.Method != http.MethodPost {
			g.writeError(w, "method not allowed", 405)
			return
		}
		g.handleChannelPost(w, r, channel, op)
	default:
		g.writeError(w, "not found", 404)
	}
}

func (g *Gateway) handleChannelGet(w http.ResponseWriter, r *http.Request, channel, op string) {
	limit := queryInt(r, "limit", 100)

	var (
		payload any
		err     error
	)
	switch op {
	case "pending":
		payload, err = g.controller.ListPending(r.Context(), channel, limit)
	case "allowed":
		payload, err = g.controller.ListAllowed(r.Context(), channel, limit)
	case "blocked":
		payload, err = g.controller.ListBlocked(r.Context(), channel, limit)
	case "status":
		var meta worker.Meta
		meta, err = g.controller.Status(channel)
		payload = meta
	}
	if err != nil {
		g.writeControllerError(w, err)
		return
	}
	g.writeJSON(w, 200, map[string]any{"channel": channel, op: payload})
}

func (g *Gateway) handleChannelPost(w http.ResponseWriter, r *http.Request, channel, op string) {
	ctx := r.Context()

	// Lifecycle operations take no body.
	switch op {
	case "start":
		if err := g.controller.Start(ctx, channel); err != nil {
			g.writeControllerError(w, err)
			return
		}
	case "stop":
		if err := g.controller.Stop(channel); err != nil {
			g.writeControllerError(w, err)
			return
		}
	case "restart":
		if err := g.controller.Restart(ctx, channel); err != nil {
			g.writeControllerError(w, err)
			return
		}
	default:
		var req senderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.writeError(w, "invalid request body", 400)
			return
		}
		if req.SenderID == "" {
			g.writeError(w, "sender_id required", 400)
			return
		}
		sender := trust.Sender{Channel: channel, ID: req.SenderID}

		var err error
		switch op {
		case "approve":
			err = g.controller.Approve(ctx, sender)
		case "block":
			err = g.controller.Block(ctx, sender, req.Reason)
		case "restore":
			err = g.controller.Restore(ctx, sender)
		}
		if err != nil {
			g.writeControllerError(w, err)
			return
		}
	}

	meta, _ := g.controller.Status(channel)
	g.writeJSON(w, 200, map[string]any{
		"channel": channel,
		"op":      op,
		"ok":      true,
		"status":  meta,
	})
}

// handleDailyStats implements GET /api/stats/daily?day=YYYY-MM-DD
func (g *Gateway) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	day := r.URL.Query().Get("day")
	snapshot, err := g.audit.DailySnapshot(day)
	if err != nil {
		g.writeError(w, "failed to load stats", 500)
		return
	}
	g.writeJSON(w, 200, snapshot)
}

// handleEvents implements GET /api/events?limit=N
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	events, err := g.audit.Recent(queryInt(r, "limit", 50))
	if err != nil {
		g.writeError(w, "failed to load events", 500)
		return
	}
	g.writeJSON(w, 200, map[string]any{"events": events})
}

func (g *Gateway) writeControllerError(w http.ResponseWriter, err error) {
	if errors.Is(err, worker.ErrUnknownChannel) {
		g.writeError(w, err.Error(), 404)
		return
	}
	g.writeError(w, err.Error(), 500)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
