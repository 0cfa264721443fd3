// Package transport is the pooled HTTP requester shared by the backend clients.
//
// Every call is bounded by a deadline, classified into the llm error kinds on
// failure, and releases its connection on every exit path.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/nachoal/localllm/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultTimeout             = 120 * time.Second
	defaultDialTimeout         = 5 * time.Second
	defaultMaxIdleConnsPerHost = 8
	defaultUserAgent           = "localllm/1.0"

	// maxErrorBody caps how much of a failed response is kept.
	maxErrorBody = 64 << 10
	// maxLineSize caps a single NDJSON or SSE line.
	maxLineSize = 4 << 20
)

// Options configures a transport Client.
type Options struct {
	Backend             string // used in log lines and errors
	BaseURL             string
	Timeout             time.Duration // default per-call deadline
	DialTimeout         time.Duration
	MaxIdleConnsPerHost int
	Headers             map[string]string
	UserAgent           string
	Logger              *slog.Logger
}

// Client sends JSON requests over a pooled connection set.
// It is safe for concurrent use.
type Client struct {
	opts       Options
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a transport client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	// Deadlines come from per-call contexts so streams are not cut off.
	return &Client{
		opts:       opts,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{Transport: tr},
		logger:     logger.With("backend", opts.Backend),
	}
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Timeout returns the default per-call deadline.
func (c *Client) Timeout() time.Duration {
	return c.opts.Timeout
}

// HTTPClient exposes the pooled client so SDKs can share connections.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Logger returns the backend-scoped logger.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// Close releases idle pooled connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Response is an acquired response. Close must be called to release the
// connection and the call deadline.
type Response struct {
	*http.Response
	RequestID string

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Context returns the call context, which carries the per-call deadline.
func (r *Response) Context() context.Context {
	return r.ctx
}

// Close releases the body and the deadline. Safe to call more than once.
func (r *Response) Close() error {
	var err error
	r.once.Do(func() {
		err = r.Body.Close()
		r.cancel()
	})
	return err
}

// Lines returns a scanner over newline-delimited body lines.
func (r *Response) Lines() *bufio.Scanner {
	sc := bufio.NewScanner(r.Body)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return sc
}

// Send issues a request with an optional JSON body. A non-positive timeout
// uses the client default. Non-2xx responses are consumed and returned as
// errors; on success the caller owns the returned Response.
func (c *Client) Send(ctx context.Context, method, path string, body any, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			cancel()
			return nil, &llm.Error{Kind: llm.KindProtocol, Backend: c.opts.Backend, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		cancel()
		return nil, &llm.Error{Kind: llm.KindProtocol, Backend: c.opts.Backend, Message: "build request", Err: err}
	}
	requestID := uuid.NewString()
	c.setHeaders(req, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		cerr := Classify(err)
		c.logger.Debug("request failed",
			"method", method, "path", path, "request_id", requestID,
			"duration", time.Since(start), "error", cerr)
		return nil, withBackend(cerr, c.opts.Backend)
	}

	c.logger.Debug("request",
		"method", method, "path", path, "request_id", requestID,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, withBackend(StatusError(resp.StatusCode, raw), c.opts.Backend)
	}

	return &Response{Response: resp, RequestID: requestID, ctx: ctx, cancel: cancel}, nil
}

// JSON sends in and decodes the response into out (when non-nil).
func (c *Client) JSON(ctx context.Context, method, path string, in, out any, timeout time.Duration) error {
	resp, err := c.Send(ctx, method, path, in, timeout)
	if err != nil {
		return err
	}
	defer resp.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return withBackend(Classify(err), c.opts.Backend)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &llm.Error{
			Kind:    llm.KindProtocol,
			Backend: c.opts.Backend,
			Message: "decode response",
			Status:  resp.StatusCode,
			Body:    truncate(string(raw), 512),
			Err:     err,
		}
	}
	return nil
}

// Unmarshal decodes raw with the transport's JSON codec.
func Unmarshal(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

func (c *Client) setHeaders(req *http.Request, requestID string) {
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
}

// Classify maps a transport-level failure into the error taxonomy.
// Anything that is not a deadline or cancellation is a connection failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var lerr *llm.Error
	if errors.As(err, &lerr) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &llm.Error{Kind: llm.KindTimeout, Message: "deadline exceeded", Err: err}
	case errors.Is(err, context.Canceled):
		return &llm.Error{Kind: llm.KindTimeout, Message: "request cancelled", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &llm.Error{Kind: llm.KindTimeout, Message: "network timeout", Err: err}
	}

	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return &llm.Error{Kind: llm.KindConnection, Message: "cannot resolve host " + dnsErr.Name, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &llm.Error{Kind: llm.KindConnection, Message: "connection refused", Err: err}
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return &llm.Error{Kind: llm.KindConnection, Message: "connection lost", Err: err}
	}
	return &llm.Error{Kind: llm.KindConnection, Err: err}
}

// StatusError builds the error for a non-2xx response body.
func StatusError(status int, raw []byte) *llm.Error {
	msg, code := ParseErrorBody(raw)
	if msg == "" {
		return &llm.Error{
			Kind:    llm.KindProtocol,
			Message: fmt.Sprintf("unexpected status %d %s", status, http.StatusText(status)),
			Status:  status,
			Body:    truncate(string(raw), 512),
		}
	}
	kind := llm.KindProtocol
	if IsMissingModel(status, msg, code) {
		kind = llm.KindModelNotFound
	}
	return &llm.Error{Kind: kind, Message: msg, Status: status, Body: truncate(string(raw), 512)}
}

// ParseErrorBody extracts the message from {"error":"..."} or
// {"error":{"message":"...","code":"..."}} payloads.
func ParseErrorBody(raw []byte) (msg, code string) {
	var payload struct {
		Error   jsoniter.RawMessage `json:"error"`
		Message string              `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", ""
	}

	trimmed := bytes.TrimSpace(payload.Error)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '"':
		_ = json.Unmarshal(trimmed, &msg)
	case len(trimmed) > 0 && trimmed[0] == '{':
		var obj struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
			Type    string `json:"type"`
		}
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			msg = obj.Message
			if obj.Code != nil {
				code = fmt.Sprint(obj.Code)
			}
			if code == "" {
				code = obj.Type
			}
		}
	}
	if msg == "" {
		msg = payload.Message
	}
	return strings.TrimSpace(msg), code
}

// IsMissingModel reports whether an error response names an unknown model.
func IsMissingModel(status int, msg, code string) bool {
	if code == "model_not_found" {
		return true
	}
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "model") {
		return false
	}
	if strings.Contains(lower, "not found") || strings.Contains(lower, "no model") || strings.Contains(lower, "does not exist") {
		return status == http.StatusNotFound || status == http.StatusBadRequest || status == 0
	}
	return false
}

func withBackend(err error, backend string) error {
	var lerr *llm.Error
	if errors.As(err, &lerr) && lerr.Backend == "" {
		out := *lerr
		out.Backend = backend
		return &out
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
