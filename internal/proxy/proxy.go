// Package proxy forwards resolved gateway requests to their upstream,
// applying the connector's auth transform and reshaping the response.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/logging"
	"github.com/svchub/gateway/internal/metrics"
	"github.com/svchub/gateway/internal/model"
	"github.com/svchub/gateway/internal/registry"
	"github.com/svchub/gateway/internal/ssrf"
	"github.com/svchub/gateway/internal/upstreamauth"
)

const maxBufferedBody = 16 << 20

// hop-by-hop headers are stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Engine executes one proxied call end to end.
type Engine struct {
	guard          *ssrf.Guard
	auth           *upstreamauth.Engine
	metrics        *metrics.Metrics
	transports     *transportPool
	breakers       *breakerRegistry
	defaultTimeout time.Duration
}

// New creates a proxy engine.
func New(guard *ssrf.Guard, auth *upstreamauth.Engine, m *metrics.Metrics, defaultTimeout time.Duration) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Engine{
		guard:          guard,
		auth:           auth,
		metrics:        m,
		transports:     newTransportPool(guard),
		breakers:       newBreakerRegistry(m),
		defaultTimeout: defaultTimeout,
	}
}

// Close releases idle upstream connections.
func (e *Engine) Close() {
	e.transports.closeIdle()
}

// Forward proxies r to the upstream named by res and writes the
// response to w. Errors are returned for the caller to render.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, res *registry.Resolution, userID string) error {
	connector := res.Connector
	endpoint := res.Endpoint
	start := time.Now()

	timeout := endpoint.Timeout
	if timeout <= 0 {
		timeout = connector.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	upstreamURL, err := e.buildUpstreamURL(connector, res, r)
	if err != nil {
		return err
	}

	// Destination checks run at call time, not only at registration:
	// DNS can change and path params can influence the target.
	if !connector.HostAllowed(upstreamURL.Hostname()) {
		return errors.ErrForbidden.WithDetails("host not in connector allow-list")
	}
	if err := e.guard.Validate(ctx, upstreamURL.String()); err != nil {
		e.metrics.SSRFBlocksTotal.Inc()
		return errors.Wrap(errors.ErrSSRFBlocked, err)
	}

	outReq, buffered, err := e.buildRequest(ctx, r, endpoint, upstreamURL)
	if err != nil {
		return err
	}

	strategy, err := e.auth.For(connector, userID)
	if err != nil {
		return errors.Wrap(errors.ErrUpstreamAuthUnavailable, err)
	}
	if err := strategy.Apply(ctx, outReq); err != nil {
		e.metrics.UpstreamAuthErrors.WithLabelValues(connector.Slug).Inc()
		return err
	}

	resp, err := e.execute(ctx, connector, outReq, buffered)
	if err != nil {
		return e.classify(ctx, connector, err)
	}
	defer resp.Body.Close()

	e.metrics.RecordProxyRequest(connector.Slug, resp.StatusCode, time.Since(start))

	if endpoint.Streaming {
		return e.writeStreaming(w, resp)
	}
	if connector.ResponseWrapper {
		return e.writeWrapped(w, resp, connector.Slug, time.Since(start))
	}
	return e.writeVerbatim(w, resp)
}

func (e *Engine) buildUpstreamURL(c *model.Connector, res *registry.Resolution, r *http.Request) (*url.URL, error) {
	u, err := url.Parse(c.BaseURL + res.UpstreamPath)
	if err != nil {
		return nil, errors.ErrBadRequest.WithDetails("invalid upstream path")
	}
	u.RawQuery = r.URL.RawQuery
	return u, nil
}

// buildRequest produces the outbound request with the endpoint's body
// transform applied. For retryable methods the body is buffered so the
// request can be replayed.
func (e *Engine) buildRequest(ctx context.Context, r *http.Request, ep *model.Endpoint, u *url.URL) (*http.Request, []byte, error) {
	var body io.Reader
	var buffered []byte
	contentType := r.Header.Get("Content-Type")

	if r.Body != nil && r.Body != http.NoBody {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody))
		if err != nil {
			return nil, nil, errors.ErrBadRequest.WithDetails("failed to read request body")
		}
		switch ep.BodyTransform {
		case model.TransformForm:
			encoded, err := jsonToForm(raw)
			if err != nil {
				return nil, nil, errors.ErrBadRequest.WithDetails("form transform requires a JSON object body")
			}
			buffered = []byte(encoded)
			contentType = "application/x-www-form-urlencoded"
		case model.TransformBinary:
			buffered = raw
			contentType = "application/octet-stream"
		default:
			buffered = raw
		}
		body = bytes.NewReader(buffered)
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, nil, fmt.Errorf("proxy: build request: %w", err)
	}

	copyHeaders(outReq.Header, r.Header)
	// The caller's gateway credential never reaches the upstream.
	outReq.Header.Del("Authorization")
	outReq.Header.Del("X-Gateway-Key")
	if contentType != "" && body != nil {
		outReq.Header.Set("Content-Type", contentType)
	}
	return outReq, buffered, nil
}

// execute runs the request through the connector's circuit breaker.
// GET and HEAD are retried once on transient network failure.
func (e *Engine) execute(ctx context.Context, c *model.Connector, req *http.Request, buffered []byte) (*http.Response, error) {
	transport := e.transports.get(c.ID.String())
	cb := e.breakers.get(c.Slug)

	attempt := func() (*http.Response, error) {
		if buffered != nil {
			req.Body = io.NopCloser(bytes.NewReader(buffered))
		}
		return cb.Execute(func() (*http.Response, error) {
			return transport.RoundTrip(req)
		})
	}

	resp, err := attempt()
	if err != nil && retryable(req.Method, err) {
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
		wait := bo.NextBackOff()
		if wait != backoff.Stop {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			logging.Debug("retrying upstream call",
				zap.String("connector", c.Slug),
				zap.Error(err))
			resp, err = attempt()
		}
	}
	return resp, err
}

// retryable limits retries to idempotent methods on transient network
// errors. Anything that reached the upstream is never retried.
func retryable(method string, err error) bool {
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return true
}

func (e *Engine) classify(ctx context.Context, c *model.Connector, err error) error {
	e.metrics.RecordProxyRequest(c.Slug, http.StatusBadGateway, 0)
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrTimeout, err)
	}
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Wrap(errors.ErrUpstreamError, err)
	}
	if gwErr, ok := errors.AsGatewayError(err); ok {
		return gwErr
	}
	return errors.Wrap(errors.ErrUpstreamError, err)
}

// writeVerbatim passes the upstream response through untouched,
// including non-2xx statuses.
func (e *Engine) writeVerbatim(w http.ResponseWriter, resp *http.Response) error {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}

// wrappedMeta is the envelope metadata for responseWrapper connectors.
type wrappedMeta struct {
	Status    int    `json:"status"`
	Connector string `json:"connector"`
	LatencyMS int64  `json:"latency_ms"`
}

func (e *Engine) writeWrapped(w http.ResponseWriter, resp *http.Response, slug string, latency time.Duration) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	if err != nil {
		return errors.Wrap(errors.ErrUpstreamError, err)
	}

	var data any
	if isJSON(resp.Header.Get("Content-Type")) && json.Valid(body) {
		data = json.RawMessage(body)
	} else {
		data = string(body)
	}

	envelope := struct {
		Data any         `json:"data"`
		Meta wrappedMeta `json:"meta"`
	}{
		Data: data,
		Meta: wrappedMeta{
			Status:    resp.StatusCode,
			Connector: slug,
			LatencyMS: latency.Milliseconds(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	return json.NewEncoder(w).Encode(envelope)
}

// writeStreaming copies the body incrementally, flushing as chunks
// arrive so long-lived upstream responses reach the caller promptly.
func (e *Engine) writeStreaming(w http.ResponseWriter, resp *http.Response) error {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// jsonToForm flattens a JSON object into url-encoded form fields.
func jsonToForm(raw []byte) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	form := url.Values{}
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			form.Set(k, val)
		case float64:
			form.Set(k, strconv.FormatFloat(val, 'f', -1, 64))
		case bool:
			form.Set(k, strconv.FormatBool(val))
		case nil:
			form.Set(k, "")
		default:
			nested, err := json.Marshal(val)
			if err != nil {
				return "", err
			}
			form.Set(k, string(nested))
		}
	}
	return form.Encode(), nil
}

func isJSON(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application/json") || strings.Contains(ct, "+json")
}
