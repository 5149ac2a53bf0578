// Package transport delivers batches of serialized records to the collector endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Version is reported in the default User-Agent.
const Version = "1.0.0"

// DefaultUserAgent identifies the shipper to collectors.
const DefaultUserAgent = "EdgeComet-EventShipper/" + Version

// BatchHashHeader carries the xxhash64 of the JSON array so collectors can drop replays.
const BatchHashHeader = "X-Batch-Hash"

const maxErrorBody = 512

// Transport delivers one batch. A nil error means the collector answered 200.
type Transport interface {
	Deliver(ctx context.Context, records []string) error
}

// DeliveryError is returned when the collector answers with anything but 200.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("collector returned status %d: %s", e.StatusCode, e.Body)
}

// EncodeBatch wraps records in a JSON array. Records are already serialized JSON
// values and are copied verbatim.
func EncodeBatch(records []string) []byte {
	size := 2
	for _, r := range records {
		size += len(r) + 1
	}

	var buf bytes.Buffer
	buf.Grow(size)
	buf.WriteByte('[')
	for i, r := range records {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(r)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// EncodeBody builds the form body "gzip=1&data_list=<urlencoded base64(gzip(payload))>".
func EncodeBody(payload []byte) ([]byte, error) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}

	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)

	args.Set("gzip", "1")
	args.Set("data_list", base64.StdEncoding.EncodeToString(compressed.Bytes()))
	return args.AppendBytes(nil), nil
}

// BatchHash returns the hex xxhash64 of payload.
func BatchHash(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// Config configures HTTPTransport.
type Config struct {
	Endpoint  string
	Timeout   time.Duration
	UserAgent string
}

// HTTPTransport posts batches with fasthttp.
type HTTPTransport struct {
	endpoint   string
	timeout    time.Duration
	userAgent  string
	httpClient *fasthttp.Client
	logger     *zap.Logger
}

// NewHTTPTransport creates a transport for cfg.Endpoint.
func NewHTTPTransport(cfg Config, logger *zap.Logger) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return nil, fmt.Errorf("endpoint must be http or https: %s", cfg.Endpoint)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	return &HTTPTransport{
		endpoint:  cfg.Endpoint,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		httpClient: &fasthttp.Client{
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,

			MaxIdleConnDuration: 30 * time.Second,
		},
		logger: logger,
	}, nil
}

// Deliver posts records as one batch. It returns as soon as ctx is done even if
// the request is still in flight; the request itself is bounded by the timeout.
func (t *HTTPTransport) Deliver(ctx context.Context, records []string) error {
	payload := EncodeBatch(records)
	body, err := EncodeBody(payload)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	req.SetRequestURI(t.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.Header.SetUserAgent(t.userAgent)
	req.Header.Set(BatchHashHeader, BatchHash(payload))
	req.SetBodyRaw(body)

	done := make(chan error, 1)
	go func() {
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		if err := t.httpClient.DoDeadline(req, resp, deadline); err != nil {
			done <- fmt.Errorf("HTTP request failed: %w", err)
			return
		}

		statusCode := resp.StatusCode()
		if statusCode != fasthttp.StatusOK {
			respBody := resp.Body()
			if len(respBody) > maxErrorBody {
				respBody = respBody[:maxErrorBody]
			}
			done <- &DeliveryError{StatusCode: statusCode, Body: string(respBody)}
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.logger.Warn("Batch delivery failed",
				zap.String("endpoint", t.endpoint),
				zap.Int("records", len(records)),
				zap.Error(err))
			return err
		}
		t.logger.Debug("Batch delivered",
			zap.String("endpoint", t.endpoint),
			zap.Int("records", len(records)),
			zap.Int("bytes", len(body)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delivery cancelled: %w", ctx.Err())
	}
}
