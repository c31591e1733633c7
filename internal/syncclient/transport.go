package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
)

const (
	uploadPath  = "/sync/upload"
	pullPath    = "/sync/pull"
	healthPath  = "/healthz"
	eventsPath  = "/sync/events"
	maxBodySize = 16 << 20

	codeBatchTooLarge = "batch_too_large"
)

var (
	// ErrOffline indicates the device has no connectivity; nothing was attempted.
	ErrOffline = errors.New("syncclient: offline")
	// ErrTransient indicates a network failure, timeout, or server error worth retrying later.
	ErrTransient = errors.New("syncclient: transient failure")
	// ErrUnauthorized indicates the server refused the credentials (401/403).
	ErrUnauthorized = errors.New("syncclient: unauthorized")
	// ErrRequestRejected indicates the server refused the request itself (4xx).
	ErrRequestRejected = errors.New("syncclient: request rejected")
)

// RequestError describes a non-success HTTP response.
type RequestError struct {
	Status int
	Code   string
	Limit  int
	class  error
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("syncclient: server responded %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("syncclient: server responded %d", e.Status)
}

// Unwrap exposes the failure class so callers can use errors.Is.
func (e *RequestError) Unwrap() error {
	return e.class
}

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token returns the fixed token.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Transport moves mutation batches and changefeed pages between client and server.
type Transport interface {
	Upload(ctx context.Context, mutations []protocol.Mutation) (protocol.UploadResponse, error)
	Pull(ctx context.Context, since int64, limit int) (protocol.PullResponse, error)
}

// HTTPTransport talks to the sync endpoints over HTTP with JSON bodies.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
}

// NewHTTPTransport builds a transport for the server at baseURL. A nil client uses http.DefaultClient.
func NewHTTPTransport(baseURL string, client *http.Client, tokens TokenSource) (*HTTPTransport, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("syncclient: invalid server url %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
	}, nil
}

// Upload posts a batch of mutations.
func (t *HTTPTransport) Upload(ctx context.Context, mutations []protocol.Mutation) (protocol.UploadResponse, error) {
	if mutations == nil {
		mutations = []protocol.Mutation{}
	}
	body, err := json.Marshal(mutations)
	if err != nil {
		return protocol.UploadResponse{}, fmt.Errorf("syncclient: encode upload: %w", err)
	}
	var response protocol.UploadResponse
	if err := t.do(ctx, http.MethodPost, uploadPath, bytes.NewReader(body), &response); err != nil {
		return protocol.UploadResponse{}, err
	}
	return response, nil
}

// Pull fetches changefeed rows with a version greater than since.
func (t *HTTPTransport) Pull(ctx context.Context, since int64, limit int) (protocol.PullResponse, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var response protocol.PullResponse
	if err := t.do(ctx, http.MethodGet, pullPath+"?"+query.Encode(), nil, &response); err != nil {
		return protocol.PullResponse{}, err
	}
	return response, nil
}

// Health reports whether the server's liveness endpoint answers.
func (t *HTTPTransport) Health(ctx context.Context) error {
	return t.do(ctx, http.MethodGet, healthPath, nil, nil)
}

// EventsURL returns the websocket address of the changefeed event stream.
func (t *HTTPTransport) EventsURL() string {
	switch {
	case strings.HasPrefix(t.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(t.baseURL, "https://") + eventsPath
	case strings.HasPrefix(t.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(t.baseURL, "http://") + eventsPath
	default:
		return t.baseURL + eventsPath
	}
}

// AuthHeader returns the request headers carrying the bearer credential.
func (t *HTTPTransport) AuthHeader(ctx context.Context) (http.Header, error) {
	header := http.Header{}
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	request, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("syncclient: build request: %w", err)
	}
	header, err := t.AuthHeader(ctx)
	if err != nil {
		return err
	}
	for key, values := range header {
		request.Header[key] = values
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := t.client.Do(request)
	if err != nil {
		return classifyNetworkError(ctx, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return classifyStatus(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	return nil
}

func classifyNetworkError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func classifyStatus(status int, payload []byte) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
		Limit int    `json:"limit"`
	}
	_ = json.Unmarshal(payload, &body)

	requestErr := &RequestError{Status: status, Code: body.Error, Limit: body.Limit}
	if body.Code != "" {
		requestErr.Code = body.Code
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		requestErr.class = ErrUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		requestErr.class = ErrTransient
	default:
		requestErr.class = ErrRequestRejected
	}
	return requestErr
}
