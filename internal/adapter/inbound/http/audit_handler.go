package http

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sentinel-Gate/filtergate/internal/domain/audit"
)

// AuditQueryResponse is the JSON response for GET /admin/api/audit.
type AuditQueryResponse struct {
	Records []audit.Record `json:"records"`
	Count   int            `json:"count"`
}

// AuditAPIHandler serves stored access events. When token is set, requests
// must carry "Authorization: Bearer <token>". Without a token only loopback
// clients are served.
type AuditAPIHandler struct {
	store  audit.QueryStore
	token  string
	logger *slog.Logger
}

// NewAuditAPIHandler creates the handler.
func NewAuditAPIHandler(store audit.QueryStore, token string, logger *slog.Logger) *AuditAPIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditAPIHandler{store: store, token: token, logger: logger}
}

func (h *AuditAPIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.token == "" && !isLocalhost(r) {
		h.respondError(w, http.StatusForbidden, "audit API requires localhost access or an admin token")
		return
	}
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="filtergate-admin"`)
		h.respondError(w, http.StatusUnauthorized, "admin token required")
		return
	}
	if h.store == nil {
		h.respondError(w, http.StatusServiceUnavailable, "audit query not configured")
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := h.store.Query(r.Context(), filter)
	if err != nil {
		LoggerFromContext(r.Context()).Error("audit query failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	h.respondJSON(w, http.StatusOK, AuditQueryResponse{Records: records, Count: len(records)})
}

func (h *AuditAPIHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// isLocalhost reports whether the connection comes from a loopback address.
// Forwarding headers are not consulted.
func isLocalhost(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func parseAuditFilter(r *http.Request) (audit.QueryFilter, error) {
	q := r.URL.Query()
	filter := audit.QueryFilter{
		TransactionID: q.Get("transaction_id"),
		Method:        q.Get("method"),
		StatusCode:    q.Get("status"),
		PathPrefix:    q.Get("path"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = n
	}
	return filter, nil
}

func (h *AuditAPIHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (h *AuditAPIHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
