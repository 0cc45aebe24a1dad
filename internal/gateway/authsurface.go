package gateway

import (
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/svchub/gateway/internal/broker"
	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/metrics"
)

// AuthSurface serves the brokered login endpoints: start, provider
// callback, and session polling.
type AuthSurface struct {
	broker   *broker.Broker
	sessions *SessionAuth
	metrics  *metrics.Metrics
}

// NewAuthSurface creates the brokered auth surface.
func NewAuthSurface(b *broker.Broker, sessions *SessionAuth, m *metrics.Metrics) *AuthSurface {
	return &AuthSurface{broker: b, sessions: sessions, metrics: m}
}

// Routes mounts the auth endpoints on a router.
func (s *AuthSurface) Routes() http.Handler {
	router := httprouter.New()
	router.POST("/auth/providers/:slug/start", s.start)
	router.GET("/auth/providers/:slug/callback", s.callback)
	router.GET("/auth/sessions/:id", s.poll)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrRouteNotFound.WriteJSON(w)
	})
	return router
}

func (s *AuthSurface) start(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req broker.StartRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	// A logged-in caller binds the session to their user; anonymous
	// callers supply a gateway instance ID instead.
	if auth := r.Header.Get("Authorization"); auth != "" && s.sessions.Enabled() {
		token := strings.TrimPrefix(auth, "Bearer ")
		if userID, err := s.sessions.ValidateToken(token); err == nil {
			req.UserID = userID
		}
	}

	slug := ps.ByName("slug")
	res, err := s.broker.Start(r.Context(), slug, req)
	if err != nil {
		s.metrics.BrokerSessionsTotal.WithLabelValues(slug, "start_rejected").Inc()
		s.writeError(w, r, err)
		return
	}
	s.metrics.BrokerSessionsTotal.WithLabelValues(slug, "started").Inc()
	writeJSON(w, http.StatusOK, res)
}

// callback renders a human-readable page; the session transition is
// the side effect the polling caller observes.
func (s *AuthSurface) callback(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	slug := ps.ByName("slug")

	_, err := s.broker.Callback(r.Context(), slug, q.Get("token"), q.Get("state"), q.Get("userId"))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err != nil {
		s.metrics.BrokerSessionsTotal.WithLabelValues(slug, "failed").Inc()
		status := http.StatusBadRequest
		if gwErr, ok := errors.AsGatewayError(err); ok {
			status = gwErr.Status
		}
		w.WriteHeader(status)
		fmt.Fprintf(w, confirmationPage, "Connection failed",
			"The login could not be completed. You can close this window and try again.")
		return
	}

	s.metrics.BrokerSessionsTotal.WithLabelValues(slug, "completed").Inc()
	fmt.Fprintf(w, confirmationPage,
		fmt.Sprintf("Connected to %s", html.EscapeString(slug)),
		"Your account is now connected. You can close this window.")
}

func (s *AuthSurface) poll(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := s.broker.Poll(r.Context(), ps.ByName("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *AuthSurface) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := RequestIDFrom(r.Context())
	if gwErr, ok := errors.AsGatewayError(err); ok {
		gwErr.WithRequestID(requestID).WriteJSON(w)
		return
	}
	errors.ErrInternal.WithRequestID(requestID).WriteJSON(w)
}

const confirmationPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Service Gateway</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4rem;">
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`
