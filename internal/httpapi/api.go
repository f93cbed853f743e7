// Package httpapi is the HTTP side of a depot server: the chunk endpoint that
// DOWNLOAD_INFO URLs point at, and a token-guarded admin API with a websocket
// feed of session events.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"depot-go/internal/depot"
	"depot-go/internal/protocol"
	"depot-go/internal/server"
)

// DefaultKickReason is sent to sessions closed through the admin API.
const DefaultKickReason = "disconnected by administrator"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// BroadcastRequest is the body of POST /admin/broadcast.
type BroadcastRequest struct {
	Message string        `json:"message"`
	Type    protocol.Type `json:"type,omitempty"` // NOTIFICATION when empty
}

// BroadcastResponse reports how many sessions received a broadcast.
type BroadcastResponse struct {
	Delivered int `json:"delivered"`
}

// ExtendRequest is the body of POST /admin/licenses/{key}/extend.
type ExtendRequest struct {
	Days int `json:"days"`
}

// API serves the chunk endpoint and the admin API.
type API struct {
	vault     depot.Vault
	authority *server.Authority
	logger    depot.Logger
	token     string
	router    *mux.Router

	// streams ends websocket feeds, which http.Server.Shutdown does not track.
	streams       context.Context
	cancelStreams context.CancelFunc
	wg            sync.WaitGroup
}

// New builds the API. An empty adminToken disables every /admin route.
func New(v depot.Vault, authority *server.Authority, adminToken string, logger depot.Logger) *API {
	ctx, cancel := context.WithCancel(context.Background())
	api := &API{
		vault:         v,
		authority:     authority,
		logger:        logger,
		token:         adminToken,
		streams:       ctx,
		cancelStreams: cancel,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", api.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/chunks/{id}", api.handleChunk).Methods(http.MethodGet, http.MethodHead)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(api.requireToken)
	admin.HandleFunc("/users", api.handleUsers).Methods(http.MethodGet)
	admin.HandleFunc("/broadcast", api.handleBroadcast).Methods(http.MethodPost)
	admin.HandleFunc("/licenses/{key}/extend", api.handleExtend).Methods(http.MethodPost)
	admin.HandleFunc("/sessions/{id}", api.handleKick).Methods(http.MethodDelete)
	admin.HandleFunc("/events", api.handleEvents).Methods(http.MethodGet)

	api.router = r
	return api
}

func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.router.ServeHTTP(w, r)
}

// Close ends every open event stream and waits for them.
func (api *API) Close() {
	api.cancelStreams()
	api.wg.Wait()
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (api *API) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return api.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (api *API) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	api.logger.Info("http endpoint listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		api.Close()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	api.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (api *API) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	w.Header().Set("Content-Type", "application/octet-stream")

	if r.Method == http.MethodHead {
		return
	}

	// Errors can only become a status code while nothing has been streamed.
	cw := &trackingWriter{ResponseWriter: w}
	if err := api.vault.GetChunk(id, cw); err != nil {
		if cw.wrote {
			api.logger.Error("chunk stream interrupted", "chunk", id, "error", err)
			return
		}
		if errors.Is(err, depot.ErrNotFound) {
			jsonError(w, "chunk not found", http.StatusNotFound)
			return
		}
		api.logger.Error("serving chunk", "chunk", id, "error", err)
		jsonError(w, "failed to read chunk", http.StatusInternalServerError)
	}
}

func (api *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	users := api.authority.Users()
	if r.URL.Query().Get("online") == "true" {
		users = api.authority.GetOnlineUsers()
	}
	writeJSON(w, http.StatusOK, users)
}

func (api *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		jsonError(w, "message is required", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = protocol.TypeNotification
	}
	if !req.Type.Valid() {
		jsonError(w, fmt.Sprintf("unknown message type %q", req.Type), http.StatusBadRequest)
		return
	}

	n := api.authority.Broadcast(req.Message, req.Type)
	writeJSON(w, http.StatusOK, BroadcastResponse{Delivered: n})
}

func (api *API) handleExtend(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req ExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Days <= 0 {
		jsonError(w, "days must be positive", http.StatusBadRequest)
		return
	}

	found, err := api.authority.ExtendLicense(key, req.Days)
	if err != nil {
		api.logger.Error("extending license", "error", err)
		jsonError(w, "failed to extend license", http.StatusInternalServerError)
		return
	}
	if !found {
		jsonError(w, "license not found", http.StatusNotFound)
		return
	}

	u, _ := api.authority.User(key)
	writeJSON(w, http.StatusOK, u)
}

func (api *API) handleKick(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = DefaultKickReason
	}
	if !api.authority.Disconnect(id, reason) {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	api.wg.Add(1)
	defer api.wg.Done()
	defer conn.Close()

	events, cancel := api.authority.Subscribe()
	defer cancel()

	// Read pump: the feed is one-way, reads only detect the peer leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	api.logger.Debug("event stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-gone:
			return
		case <-api.streams.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				api.logger.Debug("event stream closed", "error", err)
				return
			}
		}
	}
}

func (api *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.token == "" {
			jsonError(w, "admin API disabled", http.StatusForbidden)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(api.token)) != 1 {
			api.logger.Warn("unauthorized admin request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		t.wrote = true
	}
	return t.ResponseWriter.Write(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
