// Package clients provides the transfer layer shared by all source
// connectors: a retry-wrapped HTTP client for paginated APIs and an aria2c
// backend for bulk archive downloads.
package clients

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/openmoleculedata/molingest/pkg/errors"
)

const defaultUserAgent = "molingest/0.1"

// TransferError is the terminal failure of a remote transfer: either a
// non-retryable HTTP status, or a transient failure that survived every
// retry attempt.
type TransferError struct {
	URL        string
	StatusCode int // 0 for transport-level failures
	Cause      error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfer failed: %s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transfer failed: %s: %v", e.URL, e.Cause)
}

func (e *TransferError) Unwrap() error { return e.Cause }

// TransferConfig configures the HTTP transfer client.
type TransferConfig struct {
	RequestTimeout      time.Duration     `yaml:"request_timeout" json:"request_timeout"`
	DialTimeout         time.Duration     `yaml:"dial_timeout" json:"dial_timeout"`
	IdleConnTimeout     time.Duration     `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`
	MaxIdleConnsPerHost int               `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host"`
	EnableHTTP2         bool              `yaml:"enable_http2" json:"enable_http2"`
	UserAgent           string            `yaml:"user_agent" json:"user_agent"`
	Headers             map[string]string `yaml:"headers" json:"headers"`
}

// DefaultTransferConfig returns defaults tuned for polite bulk retrieval.
func DefaultTransferConfig() *TransferConfig {
	return &TransferConfig{
		RequestTimeout:      30 * time.Second,
		DialTimeout:         30 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 8,
		EnableHTTP2:         true,
		UserAgent:           defaultUserAgent,
	}
}

// TransferClient wraps request execution with the transfer retry policy.
// Transient failures (connection errors, 408/429, 5xx) are retried with
// jittered exponential backoff; other client errors fail immediately.
type TransferClient struct {
	config *TransferConfig
	client *http.Client
	retry  *RetryPolicy
	logger *zap.Logger
}

// NewTransferClient creates a transfer client. A nil config uses defaults.
func NewTransferClient(config *TransferConfig, logger *zap.Logger) *TransferClient {
	if config == nil {
		config = DefaultTransferConfig()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	if config.EnableHTTP2 {
		_ = http2.ConfigureTransport(transport)
	}

	return &TransferClient{
		config: config,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
		retry:  TransferRetryPolicy(),
		logger: logger.With(zap.String("component", "transfer_client")),
	}
}

// Get executes a GET request with retries and returns the response body.
// The caller owns the returned bytes; the response is fully drained so the
// connection can be reused.
func (c *TransferClient) Get(ctx context.Context, rawURL string, params url.Values, headers map[string]string) ([]byte, error) {
	var body []byte

	attempt := 0
	err := c.retry.ExecuteWithCondition(ctx, func() error {
		attempt++
		var err error
		body, err = c.doOnce(ctx, rawURL, params, headers)
		if err != nil && errors.IsRetryable(err) {
			c.logger.Warn("transient transfer failure",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}, errors.IsRetryable)

	if err != nil {
		var te *TransferError
		if stderrors.As(err, &te) {
			return nil, err
		}
		return nil, &TransferError{URL: rawURL, Cause: err}
	}
	return body, nil
}

// GetJSON executes a GET request and decodes the JSON response into out.
func (c *TransferClient) GetJSON(ctx context.Context, rawURL string, params url.Values, headers map[string]string, out any) error {
	body, err := c.Get(ctx, rawURL, params, headers)
	if err != nil {
		return err
	}
	if err := gojson.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "decode response from "+rawURL)
	}
	return nil
}

// doOnce issues a single attempt, classifying the outcome for the retry
// condition.
func (c *TransferClient) doOnce(ctx context.Context, rawURL string, params url.Values, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "build request for "+rawURL)
	}
	if len(params) > 0 {
		q := req.URL.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		req.URL.RawQuery = q.Encode()
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request "+rawURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "read response from "+rawURL)
	}

	switch {
	case resp.StatusCode < 400:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.Newf(errors.ErrorTypeRateLimit, "%s returned status %d", rawURL, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestTimeout:
		return nil, errors.Newf(errors.ErrorTypeTimeout, "%s returned status %d", rawURL, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, errors.Newf(errors.ErrorTypeConnection, "%s returned status %d", rawURL, resp.StatusCode)
	default:
		return nil, &TransferError{URL: rawURL, StatusCode: resp.StatusCode}
	}
}

// Close releases idle connections.
func (c *TransferClient) Close() {
	c.client.CloseIdleConnections()
}
