package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/centraldb/dbsync/internal/codec"
	"github.com/centraldb/dbsync/internal/logx"
	"github.com/centraldb/dbsync/internal/message"
	"github.com/centraldb/dbsync/internal/types"
)

// AuthFunc inspects a request before any handler runs. A non-nil error
// rejects the request with 401; extra_data from push and pull bodies is
// passed through for application-level checks.
type AuthFunc func(r *http.Request, extra map[string]any) error

// HTTPServer exposes the synchronization handlers over HTTP with the
// JSON wire formats.
type HTTPServer struct {
	srv  *Server
	auth AuthFunc
	http *http.Server
}

// HTTPOption configures an HTTPServer.
type HTTPOption func(*HTTPServer)

// WithAuth installs a request authorizer.
func WithAuth(fn AuthFunc) HTTPOption {
	return func(h *HTTPServer) { h.auth = fn }
}

// NewHTTPServer wraps a server for serving on addr.
func NewHTTPServer(srv *Server, addr string, opts ...HTTPOption) *HTTPServer {
	h := &HTTPServer{srv: srv}
	for _, opt := range opts {
		opt(h)
	}
	h.http = &http.Server{
		Addr:         addr,
		Handler:      h.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return h
}

// Handler returns the route table, usable directly with httptest.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", h.handleRegister)
	mux.HandleFunc("/pull", h.handlePull)
	mux.HandleFunc("/push", h.handlePush)
	mux.HandleFunc("/repair", h.handleRepair)
	mux.HandleFunc("/query", h.handleQuery)
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("/health", h.handleHealth)
	return mux
}

// ListenAndServe blocks serving requests until the server is shut down.
func (h *HTTPServer) ListenAndServe() error {
	logx.Debugf("sync server listening on %s", h.http.Addr)
	err := h.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logx.Errorf("failed to write response: %v", err)
	}
}

// writeError emits the protocol error body. Rejection reasons travel as
// a list under the "error" key.
func writeError(w http.ResponseWriter, status int, reasons ...string) {
	writeJSON(w, status, map[string]any{"error": reasons})
}

func (h *HTTPServer) authorize(w http.ResponseWriter, r *http.Request, extra map[string]any) bool {
	if h.auth == nil {
		return true
	}
	if err := h.auth(r, extra); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return data, true
}

func (h *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorize(w, r, nil) {
		return
	}
	var registryUserID *int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "user_id must be an integer")
			return
		}
		registryUserID = &id
	}
	reply, err := h.srv.HandleRegister(r.Context(), registryUserID)
	if err != nil {
		logx.Errorf("register failed: %v", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusOK, reply.Encode())
}

func (h *HTTPServer) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	req := &message.PullRequest{}
	if r.Method == http.MethodPost {
		data, ok := readBody(w, r)
		if !ok {
			return
		}
		parsed, err := message.DecodePullRequest(data)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req = parsed
	}
	if !h.authorize(w, r, req.ExtraData) {
		return
	}
	reply, err := h.srv.HandlePull(r.Context(), req)
	if err != nil {
		logx.Errorf("pull failed: %v", err)
		writeError(w, http.StatusInternalServerError, "pull failed")
		return
	}
	body, err := reply.Encode(h.srv.reg)
	if err != nil {
		logx.Errorf("pull encode failed: %v", err)
		writeError(w, http.StatusInternalServerError, "pull failed")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *HTTPServer) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	msg, err := message.DecodePush(h.srv.reg, data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.authorize(w, r, msg.ExtraData) {
		return
	}
	newVersionID, err := h.srv.HandlePush(r.Context(), msg)
	if err != nil {
		var rej *RejectError
		if errors.As(err, &rej) {
			writeError(w, http.StatusBadRequest, rej.Reasons...)
			return
		}
		var unique *types.UniqueConstraintError
		if errors.As(err, &unique) {
			writeError(w, http.StatusBadRequest, unique.Error())
			return
		}
		var operr *types.OperationError
		if errors.As(err, &operr) {
			writeError(w, http.StatusBadRequest, operr.Error())
			return
		}
		logx.Errorf("push failed: %v", err)
		writeError(w, http.StatusInternalServerError, "push failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"new_version_id": newVersionID})
}

func (h *HTTPServer) handleRepair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorize(w, r, nil) {
		return
	}
	includeExtensions := r.URL.Query().Get("exclude_extensions") == ""
	reply, err := h.srv.HandleRepair(r.Context(), includeExtensions)
	if err != nil {
		logx.Errorf("repair failed: %v", err)
		writeError(w, http.StatusInternalServerError, "repair failed")
		return
	}
	body, err := reply.Encode(h.srv.reg)
	if err != nil {
		logx.Errorf("repair encode failed: %v", err)
		writeError(w, http.StatusInternalServerError, "repair failed")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorize(w, r, nil) {
		return
	}
	params := r.URL.Query()
	model := params.Get("model")
	if model == "" {
		writeError(w, http.StatusBadRequest, "query requires a model")
		return
	}
	m, ok := h.srv.reg.ModelByName(model)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("model %s isn't being tracked", model))
		return
	}
	filters := make(map[string]any)
	prefix := model + "_"
	for key, values := range params {
		if key == "model" || !strings.HasPrefix(key, prefix) || len(values) == 0 {
			continue
		}
		column := strings.TrimPrefix(key, prefix)
		ct, ok := m.ColumnType(column)
		if !ok {
			continue
		}
		value, err := parseQueryValue(ct, values[0])
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("filter %s: %v", key, err))
			return
		}
		filters[column] = value
	}
	reply, err := h.srv.HandleQuery(r.Context(), model, filters)
	if err != nil {
		logx.Errorf("query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	body, err := reply.Encode(h.srv.reg)
	if err != nil {
		logx.Errorf("query encode failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// parseQueryValue converts one URL filter value into the canonical type
// of its column. Temporal values pass through as text in the stored
// layouts.
func parseQueryValue(t codec.Type, raw string) (any, error) {
	switch t {
	case codec.Integer:
		return strconv.ParseInt(raw, 10, 64)
	case codec.Float:
		return strconv.ParseFloat(raw, 64)
	case codec.Boolean:
		return strconv.ParseBool(raw)
	case codec.Binary:
		return nil, fmt.Errorf("binary columns cannot be filtered")
	}
	return raw, nil
}

func (h *HTTPServer) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodHead && r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.srv.eng.DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
