// Package api serves the read-only JSON view of the stream bot:
//
//   - GET /api/status: every session plus catalog counts.
//   - GET /api/status/ws: the same document pushed over a WebSocket
//     whenever it changes.
//   - GET /api/channels: the enabled channel catalog.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/Imranch4/discord-stream-bot/internal/config"
	"github.com/Imranch4/discord-stream-bot/internal/supervisor"
)

const (
	defaultPushInterval = 2 * time.Second
	writeTimeout        = 5 * time.Second
)

// StatusSource reports session snapshots. [*supervisor.Supervisor]
// satisfies it.
type StatusSource interface {
	StatusAll() []supervisor.Status
}

// Catalog is the read side of the channel catalog. [*config.Catalog]
// satisfies it.
type Catalog interface {
	ListEnabled() []config.ChannelConfig
	Counts() (total, enabled int)
}

// StatusResponse is the document served by /api/status.
type StatusResponse struct {
	Sessions []supervisor.Status `json:"sessions"`
	Active   int                 `json:"active"`
	Channels ChannelCounts       `json:"channels"`
}

// ChannelCounts summarises the catalog.
type ChannelCounts struct {
	Total   int `json:"total"`
	Enabled int `json:"enabled"`
}

// ChannelInfo describes one catalog entry. Source URLs are not exposed.
type ChannelInfo struct {
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	Category    string  `json:"category,omitempty"`
	Quality     string  `json:"quality,omitempty"`
	Sources     int     `json:"sources"`
	Volume      float64 `json:"volume"`
	Active      bool    `json:"active"`
}

// Handler serves the API endpoints.
type Handler struct {
	sessions     StatusSource
	catalog      Catalog
	pushInterval time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithPushInterval sets how often WebSocket clients are checked for changes.
func WithPushInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pushInterval = d
		}
	}
}

// New creates a Handler.
func New(sessions StatusSource, catalog Catalog, opts ...Option) *Handler {
	h := &Handler{
		sessions:     sessions,
		catalog:      catalog,
		pushInterval: defaultPushInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.Status)
	mux.HandleFunc("GET /api/status/ws", h.StatusFeed)
	mux.HandleFunc("GET /api/channels", h.Channels)
}

// Snapshot builds the current status document.
func (h *Handler) Snapshot() StatusResponse {
	sessions := h.sessions.StatusAll()
	if sessions == nil {
		sessions = []supervisor.Status{}
	}
	total, enabled := h.catalog.Counts()
	return StatusResponse{
		Sessions: sessions,
		Active:   len(sessions),
		Channels: ChannelCounts{Total: total, Enabled: enabled},
	}
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot())
}

// Channels handles GET /api/channels.
func (h *Handler) Channels(w http.ResponseWriter, _ *http.Request) {
	active := make(map[string]bool)
	for _, st := range h.sessions.StatusAll() {
		active[strings.ToLower(st.Channel)] = true
	}

	enabled := h.catalog.ListEnabled()
	out := make([]ChannelInfo, 0, len(enabled))
	for _, ch := range enabled {
		vol := ch.Volume
		if vol == 0 {
			vol = config.DefaultVolume
		}
		out = append(out, ChannelInfo{
			Name:        ch.Name,
			DisplayName: ch.Label(),
			Category:    ch.Category,
			Quality:     ch.Quality,
			Sources:     len(ch.Streams),
			Volume:      vol,
			Active:      active[strings.ToLower(ch.Name)],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// StatusFeed handles GET /api/status/ws. It sends the status document on
// connect and again whenever it changes. Uptime is excluded from change
// detection so an idle feed stays quiet.
func (h *Handler) StatusFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("api: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The feed is push-only; CloseRead handles pings and the close frame.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(h.pushInterval)
	defer ticker.Stop()

	var last []byte
	for {
		doc := h.Snapshot()
		key, err := json.Marshal(fingerprint(doc))
		if err != nil {
			conn.Close(websocket.StatusInternalError, "encode failed")
			return
		}
		if !bytes.Equal(key, last) {
			if err := write(ctx, conn, doc); err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					slog.Debug("api: websocket write failed", "err", err)
				}
				return
			}
			last = key
		}

		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// fingerprint strips fields that change on every read.
func fingerprint(doc StatusResponse) StatusResponse {
	out := doc
	out.Sessions = make([]supervisor.Status, len(doc.Sessions))
	for i, st := range doc.Sessions {
		st.Uptime = 0
		out.Sessions[i] = st
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to write response", "err", err)
	}
}
