package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/spaceya/propsync/internal/appstate"
)

// maxStreamMessageBytes bounds one websocket message; every message carries
// the whole document.
const maxStreamMessageBytes = 32 << 20

// HTTPClient talks to a propsync document server.
type HTTPClient struct {
	baseURL    string
	token      string
	collection string
	documentID string
	httpClient *http.Client
	logger     zerolog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		collection: DefaultCollection,
		documentID: DefaultDocumentID,
		httpClient: httpClient,
		logger:     zerolog.Nop(),
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// ForDocument returns a client bound to another document on the same server.
func (c *HTTPClient) ForDocument(collection, id string) *HTTPClient {
	out := *c
	out.collection = collection
	out.documentID = id
	return &out
}

func (c *HTTPClient) WithLogger(logger zerolog.Logger) *HTTPClient {
	out := *c
	out.logger = logger
	return &out
}

type documentPayload struct {
	Collection string           `json:"collection"`
	ID         string           `json:"id"`
	Revision   int64            `json:"revision"`
	Fields     appstate.Patch   `json:"fields"`
	Revisions  map[string]int64 `json:"revisions"`
}

func (p documentPayload) snapshot(exists bool) Snapshot {
	if !exists {
		return Snapshot{}
	}
	fields := p.Fields
	if fields == nil {
		fields = appstate.Patch{}
	}
	revisions := p.Revisions
	if revisions == nil {
		revisions = map[string]int64{}
	}
	return Snapshot{Exists: true, Revision: p.Revision, Fields: fields, Revisions: revisions}
}

type mergePayload struct {
	Fields        appstate.Patch   `json:"fields"`
	BaseRevisions map[string]int64 `json:"baseRevisions,omitempty"`
}

type ackPayload struct {
	Revision  int64            `json:"revision"`
	Revisions map[string]int64 `json:"revisions"`
}

type streamMessage struct {
	Type     string          `json:"type"`
	Exists   bool            `json:"exists"`
	Document documentPayload `json:"document"`
}

func (c *HTTPClient) documentPath() string {
	return fmt.Sprintf("/v1/collections/%s/documents/%s", url.PathEscape(c.collection), url.PathEscape(c.documentID))
}

func (c *HTTPClient) Fetch(ctx context.Context) (Snapshot, error) {
	var out documentPayload
	err := c.doJSON(ctx, http.MethodGet, c.documentPath(), nil, nil, &out)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return out.snapshot(true), nil
}

func (c *HTTPClient) Upsert(ctx context.Context, m Mutation) (Ack, error) {
	var out ackPayload
	err := c.doJSON(ctx, http.MethodPatch, c.documentPath(), nil, mergePayload{Fields: m.Fields, BaseRevisions: m.BaseRevisions}, &out)
	if err != nil {
		return Ack{}, err
	}
	return Ack{Revision: out.Revision, Revisions: out.Revisions}, nil
}

// Subscribe opens a websocket stream of the document. Handshake failures
// are returned directly; later failures end the subscription.
func (c *HTTPClient) Subscribe(ctx context.Context) (*Subscription, error) {
	streamURL, err := websocketURL(c.baseURL + c.documentPath() + "/subscribe")
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-Correlation-Id", correlationID())
	// The stream outlives any client-wide timeout; ctx bounds the handshake.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{
		HTTPClient: &streamClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	conn.SetReadLimit(maxStreamMessageBytes)

	return newSubscription(ctx, func(ctx context.Context, emit func(Snapshot) error) error {
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var msg streamMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return nil
				}
				return fmt.Errorf("read change stream: %w", err)
			}
			switch msg.Type {
			case "snapshot", "change":
			default:
				c.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown stream message")
				continue
			}
			if err := emit(msg.Document.snapshot(msg.Exists)); err != nil {
				return err
			}
		}
	}), nil
}

func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				c.logger.Debug().Err(err).Int("attempt", attempt+1).Str("path", requestPath).Msg("retrying request")
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code             string `json:"code"`
			Message          string `json:"message"`
			Field            string `json:"field"`
			ExpectedRevision int64  `json:"expectedRevision"`
			CurrentRevision  int64  `json:"currentRevision"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusConflict {
			return &ConflictError{
				Field:            errPayload.Field,
				ExpectedRevision: errPayload.ExpectedRevision,
				CurrentRevision:  errPayload.CurrentRevision,
			}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func correlationID() string {
	return fmt.Sprintf("propsync_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
