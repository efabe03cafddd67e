// Package service is the request layer for the visual comparison service.
//
// Every operation is a single round trip. Retries, if any, belong to the
// http.RoundTripper the client is built with.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/vrs-kit/vrs/internal/digest"
	"github.com/vrs-kit/vrs/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// APIKeyHeader carries the hashed API key on every request.
	APIKeyHeader = "apikey"

	opCreateTest    = "create test"
	opUpdateTest    = "update test"
	opCreateCheck   = "create check"
	opStopSession   = "stop session"
	opChecksByIdent = "checks by ident"
	opIdent         = "ident"
	opBaseline      = "baseline exists"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithTracer configures the tracer used for request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithLogger configures the logger used for request diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client talks to the visual service over HTTP with multipart bodies.
type Client struct {
	baseURL    string
	apiKeyHash string
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *log.Logger
}

// New builds a client for baseURL. The raw apiKey is hashed once and never sent.
func New(baseURL, apiKey string, options ...Option) (*Client, error) {
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	client := &Client{
		baseURL:    normalized,
		apiKeyHash: HashAPIKey(apiKey),
		httpClient: &http.Client{},
		tracer:     otel.Tracer("vrs/service"),
		logger:     log.New(io.Discard),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(client)
	}
	return client, nil
}

// NormalizeBaseURL validates raw and guarantees a trailing slash.
func NormalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("service url must not be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse service url %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("service url %q must use http or https", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("service url %q has no host", raw)
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	return raw, nil
}

// HashAPIKey returns the header value for a raw API key.
func HashAPIKey(apiKey string) string {
	return digest.SumString(apiKey)
}

// BaseURL returns the normalized service URL, ending in a slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateTest registers a new test session and returns it with its service-issued id.
func (c *Client) CreateTest(ctx context.Context, req TestRequest) (*Session, error) {
	form := newForm()
	form.field("run", req.Run)
	form.field("runident", req.RunIdent)
	if len(req.Tags) > 0 {
		tags, err := json.Marshal(req.Tags)
		if err != nil {
			return nil, fmt.Errorf("marshal tags: %w", err)
		}
		form.field("tags", string(tags))
	}
	form.optional("branch", req.Branch)
	form.optional("suite", req.Suite)
	form.field("name", req.Name)
	form.field("status", firstNonEmpty(req.Status, TestStatusRunning))
	form.field("viewport", req.Viewport)
	form.field("browser", req.BrowserName)
	form.field("browserVersion", req.BrowserVersion)
	form.field("os", req.OS)
	form.field("app", req.App)

	var session Session
	if err := c.send(ctx, opCreateTest, http.MethodPost, "tests", form, &session); err != nil {
		return nil, err
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, c.malformed(opCreateTest, http.MethodPost, "tests", "response has no _id")
	}
	return &session, nil
}

// UpdateTest reports a verdict and blinking count for a session.
func (c *Client) UpdateTest(ctx context.Context, update TestUpdate) (*Session, error) {
	if strings.TrimSpace(update.ID) == "" {
		return nil, errors.New("test id must not be empty")
	}
	form := newForm()
	form.field("status", update.Status)
	form.field("blinking", strconv.Itoa(update.Blinking))
	form.optional("viewport", update.Viewport)

	path := "tests/" + url.PathEscape(update.ID)
	var session Session
	if err := c.send(ctx, opUpdateTest, http.MethodPut, path, form, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CreateCheck announces a check. When req.File is nil only the hash is sent.
func (c *Client) CreateCheck(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	form := newForm()
	form.optional("branch", req.Branch)
	form.optional("appName", req.App)
	form.optional("suitename", req.Suite)
	form.optional("domdump", req.DOMDump)
	form.optional("hashcode", req.HashCode)
	if req.File != nil {
		form.file("file", "file", req.File)
	}
	form.field("testid", req.TestID)
	form.field("name", req.Name)
	form.field("viewport", req.Viewport)
	form.field("browserName", req.BrowserName)
	form.field("browserVersion", req.BrowserVersion)
	form.field("browserFullVersion", req.BrowserFullVersion)
	form.field("os", req.OS)

	var result CheckResult
	if err := c.send(ctx, opCreateCheck, http.MethodPost, "checks", form, &result); err != nil {
		return nil, err
	}
	if strings.TrimSpace(result.Status.String()) == "" {
		return nil, c.malformed(opCreateCheck, http.MethodPost, "checks", "response has no status")
	}
	return &result, nil
}

// StopSession marks a session as finished and returns its final state.
func (c *Client) StopSession(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id must not be empty")
	}
	path := "session/" + url.PathEscape(sessionID)
	var session Session
	if err := c.send(ctx, opStopSession, http.MethodPost, path, newForm(), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ChecksByIdent returns the session's checks grouped by ident.
func (c *Client) ChecksByIdent(ctx context.Context, sessionID string) (map[string]Group, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id must not be empty")
	}
	path := "checks/byident/" + url.PathEscape(sessionID)
	groups := map[string]Group{}
	if err := c.send(ctx, opChecksByIdent, http.MethodGet, path, nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// Ident returns the check fields the service uses to group checks across runs.
func (c *Client) Ident(ctx context.Context) ([]string, error) {
	var fields []string
	if err := c.send(ctx, opIdent, http.MethodGet, "ident", nil, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// BaselineExists reports whether the service holds a baseline matching the
// query's hash code and ident fields.
func (c *Client) BaselineExists(ctx context.Context, query BaselineQuery) (bool, error) {
	if strings.TrimSpace(query.HashCode) == "" {
		return false, c.malformed(opBaseline, http.MethodGet, "check_if_screenshot_has_baselines", "hash code is empty")
	}
	var found baselineLookup
	if err := c.send(ctx, opBaseline, http.MethodGet, "check_if_screenshot_has_baselines?"+query.Encode(), nil, &found); err != nil {
		return false, err
	}
	return found.exists, nil
}

func (c *Client) send(ctx context.Context, op, method, path string, form *formBody, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	target := c.baseURL + path
	started := time.Now()

	ctx, span := c.tracer.Start(ctx, "service."+strings.ReplaceAll(op, " ", "_"),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", "/"+path),
		),
	)
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	fail := func(err *ServiceError) error {
		message := telemetry.Redact(err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, message)
		c.logger.With("operation", op, "url", target, "status_code", err.StatusCode).Error("service request failed", "err", message)
		return err
	}

	var (
		body        io.Reader
		contentType string
	)
	if form != nil {
		payload, ct, err := form.encode()
		if err != nil {
			return fail(&ServiceError{Operation: op, Method: method, URL: target, Reason: "encode form", Err: err})
		}
		body = bytes.NewReader(payload)
		contentType = ct
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fail(&ServiceError{Operation: op, Method: method, URL: target, Reason: "build request", Err: err})
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(APIKeyHeader, c.apiKeyHash)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(&ServiceError{Operation: op, Method: method, URL: target, Reason: "send request", Err: err})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err != nil {
		return fail(&ServiceError{
			Operation: op, Method: method, URL: target, StatusCode: resp.StatusCode,
			Reason: "read response body", Err: err,
		})
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fail(&ServiceError{
			Operation: op, Method: method, URL: target, StatusCode: resp.StatusCode,
			Body: string(raw), Reason: "unexpected status",
		})
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fail(&ServiceError{
			Operation: op, Method: method, URL: target, StatusCode: resp.StatusCode,
			Reason: "response body is empty",
		})
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fail(&ServiceError{
			Operation: op, Method: method, URL: target, StatusCode: resp.StatusCode,
			Body: string(raw), Reason: "decode response", Err: err,
		})
	}

	span.SetStatus(codes.Ok, "request completed")
	c.logger.With("operation", op, "status_code", resp.StatusCode).Debug("service request completed")
	return nil
}

func (c *Client) malformed(op, method, path, reason string) error {
	return &ServiceError{Operation: op, Method: method, URL: c.baseURL + path, Reason: reason}
}

type formPart struct {
	name     string
	value    string
	fileName string
	content  []byte
}

// formBody keeps parts in insertion order so encoding is deterministic.
type formBody struct {
	parts []formPart
}

func newForm() *formBody {
	return &formBody{}
}

func (f *formBody) field(name, value string) {
	f.parts = append(f.parts, formPart{name: name, value: value})
}

func (f *formBody) optional(name, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	f.field(name, value)
}

func (f *formBody) file(name, fileName string, content []byte) {
	f.parts = append(f.parts, formPart{name: name, fileName: fileName, content: content})
}

func (f *formBody) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, part := range f.parts {
		if part.fileName != "" {
			fw, err := writer.CreateFormFile(part.name, part.fileName)
			if err != nil {
				return nil, "", fmt.Errorf("create file part %s: %w", part.name, err)
			}
			if _, err := fw.Write(part.content); err != nil {
				return nil, "", fmt.Errorf("write file part %s: %w", part.name, err)
			}
			continue
		}
		if err := writer.WriteField(part.name, part.value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", part.name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
