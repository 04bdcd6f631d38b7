// Package httpapi serves docstore documents over HTTP: reads, field merges
// and a websocket change stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/spaceya/propsync/internal/appstate"
	"github.com/spaceya/propsync/internal/docstore"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// PingInterval keeps idle subscriptions alive through proxies.
	PingInterval time.Duration
	// OriginPatterns lists browser origins allowed to open a subscription.
	OriginPatterns []string
	Gatherer       prometheus.Gatherer
	Logger         zerolog.Logger
}

type Server struct {
	store       *docstore.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     http.Handler
	logger      zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *docstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *docstore.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		logger:      cfg.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)

	parts, ok := splitPath(r.URL.EscapedPath())
	if !ok || len(parts) < 5 || parts[0] != "v1" || parts[1] != "collections" || parts[3] != "documents" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	collection, documentID := parts[2], parts[4]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 5 && r.Method == http.MethodGet:
		requiredScope = scopeDocumentsRead
		route = "get_document"
	case len(parts) == 5 && r.Method == http.MethodPatch:
		requiredScope = scopeDocumentsWrite
		route = "merge_document"
	case len(parts) == 6 && parts[5] == "subscribe" && r.Method == http.MethodGet:
		requiredScope = scopeDocumentsRead
		route = "subscribe"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, collection, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "get_document":
		s.handleGetDocument(w, collection, documentID, correlationID)
	case "merge_document":
		s.handleMergeDocument(w, r, collection, documentID, correlationID)
	case "subscribe":
		s.handleSubscribe(w, r, collection, documentID, correlationID)
	}
}

// splitPath splits an escaped request path and unescapes each segment, so
// ids may contain escaped slashes.
func splitPath(escaped string) ([]string, bool) {
	raw := strings.Split(strings.Trim(escaped, "/"), "/")
	parts := make([]string, 0, len(raw))
	for _, segment := range raw {
		part, err := url.PathUnescape(segment)
		if err != nil {
			return nil, false
		}
		parts = append(parts, part)
	}
	return parts, true
}

type documentResponse struct {
	Collection string                     `json:"collection"`
	ID         string                     `json:"id"`
	Revision   int64                      `json:"revision"`
	Fields     map[string]json.RawMessage `json:"fields"`
	Revisions  map[string]int64           `json:"revisions"`
}

func documentResponseOf(doc docstore.Document) documentResponse {
	return documentResponse{
		Collection: doc.Collection,
		ID:         doc.ID,
		Revision:   doc.Revision,
		Fields:     doc.Values(),
		Revisions:  doc.Revisions(),
	}
}

type streamMessage struct {
	Type     string           `json:"type"`
	Exists   bool             `json:"exists"`
	Document documentResponse `json:"document"`
}

func (s *Server) handleGetDocument(w http.ResponseWriter, collection, documentID, correlationID string) {
	doc, err := s.store.Get(collection, documentID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(doc.Revision, 10)))
	writeJSON(w, http.StatusOK, documentResponseOf(doc))
}

func (s *Server) handleMergeDocument(w http.ResponseWriter, r *http.Request, collection, documentID, correlationID string) {
	var body struct {
		Fields        map[string]json.RawMessage `json:"fields"`
		BaseRevisions map[string]int64           `json:"baseRevisions"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	result, err := s.store.Merge(docstore.MergeRequest{
		Collection:    collection,
		ID:            documentID,
		Fields:        body.Fields,
		BaseRevisions: body.BaseRevisions,
		CorrelationID: correlationID,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revision":  result.Revision,
		"revisions": result.Revisions,
		"changed":   result.Changed,
	})
}

// handleSubscribe streams the document over a websocket: one snapshot
// message, then one change message per merge that changed it.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, collection, documentID, correlationID string) {
	watch, doc, exists, err := s.store.Subscribe(collection, documentID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	defer watch.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()
	// The client never sends data; CloseRead handles control frames and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	logger := s.logger.With().
		Str("document", collection+"/"+documentID).
		Str("correlation_id", correlationID).
		Logger()
	logger.Debug().Bool("exists", exists).Msg("subscriber connected")

	if err := s.send(ctx, conn, streamMessage{Type: "snapshot", Exists: exists, Document: documentResponseOf(doc)}); err != nil {
		logger.Debug().Err(err).Msg("send snapshot failed")
		return
	}

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("subscriber disconnected")
			return
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Debug().Err(err).Msg("subscriber ping failed")
				return
			}
		case change, ok := <-watch.Events():
			if !ok {
				cause := watch.Err()
				logger.Info().Err(cause).Msg("subscription ended by the store")
				status := websocket.StatusGoingAway
				if errors.Is(cause, docstore.ErrSubscriberLagged) {
					status = websocket.StatusTryAgainLater
				}
				_ = conn.Close(status, errorText(cause))
				return
			}
			msg := streamMessage{Type: "change", Exists: true, Document: documentResponseOf(change.Document)}
			if err := s.send(ctx, conn, msg); err != nil {
				logger.Debug().Err(err).Msg("send change failed")
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, msg)
}

// AppStateValidator validates merges into collection against the app state
// schema. Other collections are accepted as they are.
func AppStateValidator(collection string) docstore.ValidateFunc {
	validator := &appstate.Validator{}
	return func(target string, fields map[string]json.RawMessage) error {
		if target != collection {
			return nil
		}
		return validator.ValidatePatch(appstate.Patch(fields))
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(correlationHeader))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid_input", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *docstore.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":             "revision_conflict",
			"message":          err.Error(),
			"correlationId":    correlationID,
			"field":            conflict.Field,
			"expectedRevision": conflict.ExpectedRevision,
			"currentRevision":  conflict.CurrentRevision,
		})
		return
	}
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrStoreClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// errorText trims a close reason to the 123 bytes a websocket close frame
// can carry.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	text := err.Error()
	if len(text) > 123 {
		text = text[:123]
	}
	return text
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
