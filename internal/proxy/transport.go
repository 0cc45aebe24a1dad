package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/svchub/gateway/internal/logging"
	"github.com/svchub/gateway/internal/metrics"
	"github.com/svchub/gateway/internal/ssrf"
)

// transportPool keeps one http.Transport per connector so connection
// pools are not shared across tenants. Every transport dials through
// the SSRF guard, which re-validates and pins the resolved address.
type transportPool struct {
	guard *ssrf.Guard

	mu         sync.RWMutex
	transports map[string]*http.Transport
}

func newTransportPool(guard *ssrf.Guard) *transportPool {
	return &transportPool{
		guard:      guard,
		transports: make(map[string]*http.Transport),
	}
}

func (p *transportPool) get(connectorID string) *http.Transport {
	p.mu.RLock()
	t, ok := p.transports[connectorID]
	p.mu.RUnlock()
	if ok {
		return t
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok = p.transports[connectorID]; ok {
		return t
	}

	dialer := ssrf.NewSafeDialer(p.guard, &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	})
	t = &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	p.transports[connectorID] = t
	return t
}

func (p *transportPool) closeIdle() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

// breakerRegistry keeps one circuit breaker per connector. A flapping
// upstream trips its own breaker without affecting other connectors.
type breakerRegistry struct {
	metrics *metrics.Metrics

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

func newBreakerRegistry(m *metrics.Metrics) *breakerRegistry {
	return &breakerRegistry{
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func (r *breakerRegistry) get(slug string) *gobreaker.CircuitBreaker[*http.Response] {
	r.mu.RLock()
	cb, ok := r.breakers[slug]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[slug]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        slug,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			logging.Warn("circuit breaker state change",
				zap.String("connector", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	r.metrics.CircuitBreakerState.WithLabelValues(slug).Set(breakerStateValue(cb.State()))
	r.breakers[slug] = cb
	return cb
}
