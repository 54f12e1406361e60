package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"flashoffer-dispatch/internal/apperror"
	"flashoffer-dispatch/internal/models"
)

// MaxBatchSize is the gateway's hard limit of tokens per multicast call.
const MaxBatchSize = 500

// Message is the platform independent content of a push.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// TokenResult is the gateway receipt for one token.
type TokenResult struct {
	Token     string
	Success   bool
	MessageID string
	Code      string
	Message   string
}

// Sender delivers one multicast batch. A returned error applies to the whole
// batch; otherwise there is one result per requested token, in request order.
type Sender interface {
	SendMulticast(ctx context.Context, platform models.Platform, tokens []string, msg Message) ([]TokenResult, error)
}

// Client talks to the push gateway over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	builders   map[models.Platform]payloadBuilder
	limiter    *rate.Limiter
	pacing     func() bool
	tracer     trace.Tracer
	log        *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPacing limits outbound batch calls to qps while enabled reports true.
func WithPacing(qps float64, burst int, enabled func() bool) Option {
	return func(c *Client) {
		if qps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(qps), burst)
		c.pacing = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a gateway client for baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Transport: http.DefaultTransport},
		builders:   defaultBuilders(),
		tracer:     otel.Tracer("flashoffer-dispatch/gateway"),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type multicastResponse struct {
	Responses []struct {
		Token     string `json:"token"`
		Success   bool   `json:"success"`
		MessageID string `json:"messageId,omitempty"`
		Error     *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"responses"`
}

// SendMulticast posts one batch to {baseURL}/v1/messages:multicast.
func (c *Client) SendMulticast(ctx context.Context, platform models.Platform, tokens []string, msg Message) ([]TokenResult, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if len(tokens) > MaxBatchSize {
		return nil, apperror.Gateway(false, fmt.Sprintf("batch of %d tokens exceeds gateway limit", len(tokens)), nil)
	}

	ctx, span := c.tracer.Start(ctx, "gateway.send_batch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("push.platform", string(platform)),
		attribute.Int("push.batch_size", len(tokens)),
	)

	if c.limiter != nil && (c.pacing == nil || c.pacing()) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.fail(span, apperror.Gateway(true, "gateway pacing wait aborted", err))
		}
	}

	body, err := json.Marshal(c.build(platform, tokens, msg))
	if err != nil {
		return nil, c.fail(span, apperror.Internal("failed to encode gateway request", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages:multicast", bytes.NewReader(body))
	if err != nil {
		return nil, c.fail(span, apperror.Gateway(false, "failed to build gateway request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.fail(span, apperror.Gateway(true, "gateway request failed", err))
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, c.fail(span, apperror.Gateway(transient, fmt.Sprintf("gateway returned status %d", resp.StatusCode), nil))
	}

	var decoded multicastResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&decoded); err != nil {
		return nil, c.fail(span, apperror.Gateway(true, "failed to decode gateway response", err))
	}

	byToken := make(map[string]TokenResult, len(decoded.Responses))
	for _, r := range decoded.Responses {
		tr := TokenResult{Token: r.Token, Success: r.Success, MessageID: r.MessageID}
		if r.Error != nil {
			tr.Code = strings.ToUpper(r.Error.Code)
			tr.Message = r.Error.Message
		}
		byToken[r.Token] = tr
	}

	results := make([]TokenResult, len(tokens))
	failed := 0
	for i, tok := range tokens {
		tr, ok := byToken[tok]
		if !ok {
			tr = TokenResult{Token: tok, Code: CodeMissingResponse}
		}
		if !tr.Success {
			failed++
		}
		results[i] = tr
	}

	span.SetAttributes(attribute.Int("push.failed", failed))
	c.log.Debug("gateway batch sent",
		zap.String("platform", string(platform)),
		zap.Int("tokens", len(tokens)),
		zap.Int("failed", failed),
		zap.Duration("latency", time.Since(start)),
	)
	return results, nil
}

func (c *Client) build(platform models.Platform, tokens []string, msg Message) multicastRequest {
	req := multicastRequest{
		Tokens:       tokens,
		Platform:     string(platform),
		Notification: notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	}
	if b, ok := c.builders[platform]; ok {
		b(&req, msg)
	}
	return req
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		span.SetAttributes(attribute.Bool("push.transient", appErr.Transient))
	}
	return err
}
