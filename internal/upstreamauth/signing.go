package upstreamauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/svchub/gateway/internal/model"
)

const (
	signingAlgorithm = "GW4-HMAC-SHA256"
	requestSuffix    = "gw4_request"
	dateHeader       = "X-Gw-Date"
	contentHeader    = "X-Gw-Content-Sha256"
)

// signingStrategy computes an HMAC canonical-request signature over
// method, path, query, selected headers, and the body digest, scoped
// to a region and service with the current UTC date. The access and
// secret keys come from the vault at call time.
type signingStrategy struct {
	engine        *Engine
	scope         string
	accessKeyName string
	secretKeyName string
	region        string
	service       string
	pathStyle     bool
	bucket        string
	now           func() time.Time
}

func newSigningStrategy(e *Engine, c *model.Connector) (*signingStrategy, error) {
	s := &signingStrategy{
		engine:        e,
		scope:         c.SecretScope(),
		accessKeyName: c.AuthConfig["access_key_secret"],
		secretKeyName: c.AuthConfig["secret_key_secret"],
		region:        c.AuthConfig["region"],
		service:       c.AuthConfig["service"],
		pathStyle:     c.AuthConfig["path_style"] == "true",
		bucket:        c.AuthConfig["bucket"],
		now:           time.Now,
	}
	if s.accessKeyName == "" {
		s.accessKeyName = "access_key"
	}
	if s.secretKeyName == "" {
		s.secretKeyName = "secret_key"
	}
	if s.region == "" || s.service == "" {
		return nil, fmt.Errorf("request-signing auth needs region and service")
	}
	return s, nil
}

func (s *signingStrategy) Apply(ctx context.Context, r *http.Request) error {
	accessKey, err := s.engine.secret(ctx, s.scope, s.accessKeyName)
	if err != nil {
		return err
	}
	secretKey, err := s.engine.secret(ctx, s.scope, s.secretKeyName)
	if err != nil {
		return err
	}

	// Path-style addressing folds the bucket into the path instead of
	// a virtual-host prefix.
	if s.pathStyle && s.bucket != "" && !strings.HasPrefix(r.URL.Path, "/"+s.bucket+"/") {
		r.URL.Path = "/" + s.bucket + r.URL.Path
	}

	bodyHash, err := hashBody(r)
	if err != nil {
		return fmt.Errorf("signing: read body: %w", err)
	}

	now := s.now().UTC()
	timestamp := now.Format("20060102T150405Z")
	date := now.Format("20060102")

	r.Header.Set(dateHeader, timestamp)
	r.Header.Set(contentHeader, bodyHash)

	// Canonical headers: lowercase name:value, sorted by name.
	signed := map[string]string{
		"host":                         r.Host,
		strings.ToLower(dateHeader):    timestamp,
		strings.ToLower(contentHeader): bodyHash,
	}
	if signed["host"] == "" {
		signed["host"] = r.URL.Host
	}
	names := make([]string, 0, len(signed))
	for name := range signed {
		names = append(names, name)
	}
	sort.Strings(names)
	signedHeaders := strings.Join(names, ";")

	var canonical strings.Builder
	canonical.WriteString(r.Method)
	canonical.WriteByte('\n')
	canonical.WriteString(canonicalPath(r.URL.Path))
	canonical.WriteByte('\n')
	canonical.WriteString(r.URL.Query().Encode())
	canonical.WriteByte('\n')
	for _, name := range names {
		canonical.WriteString(name)
		canonical.WriteByte(':')
		canonical.WriteString(signed[name])
		canonical.WriteByte('\n')
	}
	canonical.WriteByte('\n')
	canonical.WriteString(signedHeaders)
	canonical.WriteByte('\n')
	canonical.WriteString(bodyHash)

	credScope := strings.Join([]string{date, s.region, s.service, requestSuffix}, "/")
	canonicalHash := sha256.Sum256([]byte(canonical.String()))
	stringToSign := strings.Join([]string{
		signingAlgorithm,
		timestamp,
		credScope,
		hex.EncodeToString(canonicalHash[:]),
	}, "\n")

	key := signingKey(secretKey, date, s.region, s.service)
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	r.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		signingAlgorithm, accessKey, credScope, signedHeaders, signature))
	return nil
}

// hashBody returns the hex SHA-256 of the request body and restores it
// for the upstream transport.
func hashBody(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:]), nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

// signingKey derives the per-day signing key by chaining HMACs over
// the credential scope components.
func signingKey(secret, date, region, service string) []byte {
	key := hmacSHA256([]byte("GW4"+secret), date)
	key = hmacSHA256(key, region)
	key = hmacSHA256(key, service)
	return hmacSHA256(key, requestSuffix)
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
