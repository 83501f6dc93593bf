// Package gateway is the HTTP client of the card payment provider.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

var _ payment.Gateway = (*Client)(nil)

// maxResponseBytes bounds how much of a gateway response is read.
const maxResponseBytes = 1 << 20

// Config holds connection settings for the payment provider.
type Config struct {
	BaseURL          string        `default:"https://api.payments.example.com" usage:"Payment gateway base URL"`
	SecretKey        string        `usage:"Payment gateway secret API key" flag:"gateway-secret-key"`
	WebhookSecret    string        `usage:"Shared secret for webhook signatures" flag:"gateway-webhook-secret"`
	Timeout          time.Duration `default:"10s" usage:"Timeout of a single gateway request"`
	MaxRetries       uint64        `default:"3" usage:"Retries of transient gateway failures"`
	RetryBase        time.Duration `default:"200ms" usage:"Initial retry backoff"`
	CallTimeout      time.Duration `default:"20s" usage:"Deadline of one gateway call including retries"`
	WebhookTolerance time.Duration `default:"5m" usage:"Maximum age of a webhook signature timestamp"`
}

// Client talks to the payment provider over its JSON API. Transient failures
// (network errors, 429 and 5xx) are retried with exponential backoff; every
// request that creates something carries an idempotency key so a retry never
// duplicates it.
type Client struct {
	baseURL       *url.URL
	secretKey     string
	webhookSecret []byte
	http          *http.Client
	maxRetries    uint64
	retryBase     time.Duration
	callTimeout   time.Duration
	tolerance     time.Duration
	now           func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithClock overrides the clock used for webhook timestamp checks.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// New creates a gateway client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("gateway secret key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("gateway webhook secret is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse gateway url")
	}

	c := &Client{
		baseURL:       u,
		secretKey:     cfg.SecretKey,
		webhookSecret: []byte(cfg.WebhookSecret),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxRetries:  cfg.MaxRetries,
		retryBase:   cfg.RetryBase,
		callTimeout: cfg.CallTimeout,
		tolerance:   cfg.WebhookTolerance,
		now:         time.Now,
	}
	if c.retryBase <= 0 {
		c.retryBase = 200 * time.Millisecond
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OpenTransaction creates a transaction for req.Amount. Replaying the same
// idempotency key returns the original transaction.
func (c *Client) OpenTransaction(ctx context.Context, req payment.OpenRequest) (*payment.Transaction, error) {
	if req.IdempotencyKey == "" {
		return nil, &payment.GatewayError{Op: "open", Reason: "idempotency key is required"}
	}
	body := encodeOpen(req)

	var txn *payment.Transaction
	err := c.do(ctx, "open", http.MethodPost, "/v1/transactions", body, req.IdempotencyKey, func(data []byte) error {
		var err error
		txn, err = decodeTransaction(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// RetrieveTransaction reads the current state of a transaction. A 404 is
// reported as a pending transaction: the provider indexes new transactions
// asynchronously.
func (c *Client) RetrieveTransaction(ctx context.Context, id string) (*payment.Transaction, error) {
	var txn *payment.Transaction
	err := c.do(ctx, "retrieve", http.MethodGet, "/v1/transactions/"+url.PathEscape(id), nil, "", func(data []byte) error {
		var err error
		txn, err = decodeTransaction(data)
		return err
	})
	if err != nil {
		var gwErr *payment.GatewayError
		if errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound {
			return &payment.Transaction{ID: id, Status: payment.StatusPending}, nil
		}
		return nil, err
	}
	return txn, nil
}

// RefundTransaction refunds req.Amount of a captured transaction, or all of
// it when the amount is not valid. Replaying the same idempotency key returns
// the original refund.
func (c *Client) RefundTransaction(ctx context.Context, req payment.RefundRequest) (*payment.Refund, error) {
	if req.IdempotencyKey == "" {
		return nil, &payment.GatewayError{Op: "refund", Reason: "idempotency key is required"}
	}
	body := encodeRefund(req.TransactionID, req.Amount)

	var refund *payment.Refund
	err := c.do(ctx, "refund", http.MethodPost, "/v1/refunds", body, req.IdempotencyKey, func(data []byte) error {
		var err error
		refund, err = decodeRefund(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

// CancelTransaction cancels a transaction that has not completed.
func (c *Client) CancelTransaction(ctx context.Context, id string) error {
	path := "/v1/transactions/" + url.PathEscape(id) + "/cancel"
	return c.do(ctx, "cancel", http.MethodPost, path, nil, "cancel:"+id, func([]byte) error { return nil })
}

// do performs one logical gateway call, retrying transient failures.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, idempotencyKey string, decode func([]byte) error) error {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		data, err := c.roundTrip(ctx, op, method, path, body, idempotencyKey)
		if err != nil {
			var gwErr *payment.GatewayError
			if errors.As(err, &gwErr) && gwErr.Temporary {
				zctx.From(ctx).Warn("Gateway call failed, retrying",
					zap.String("op", op),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return retry.RetryableError(err)
			}
			return err
		}
		if err := decode(data); err != nil {
			return &payment.GatewayError{Op: op, Reason: "malformed response", Err: err}
		}
		return nil
	})
	if err != nil {
		var gwErr *payment.GatewayError
		if errors.As(err, &gwErr) {
			return err
		}
		// Context cancellation surfaces from the retry loop unwrapped.
		return &payment.GatewayError{Op: op, Temporary: true, Err: err}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, body []byte, idempotencyKey string) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, rd)
	if err != nil {
		return nil, &payment.GatewayError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &payment.GatewayError{Op: op, Temporary: isTemporary(ctx, err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &payment.GatewayError{Op: op, StatusCode: resp.StatusCode, Temporary: true, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	gwErr := &payment.GatewayError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Temporary:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
	if code, msg, ok := decodeError(data); ok {
		gwErr.Code = code
		gwErr.Reason = msg
	}
	return nil, gwErr
}

// isTemporary reports whether a transport error is worth retrying. The
// caller's own cancellation is not.
func isTemporary(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
