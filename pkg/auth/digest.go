// Package auth implements the three authentication strategies used by miner
// firmwares: HTTP digest, bearer tokens obtained by login, and the
// encrypted token session of the Whatsminer API.
package auth

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// DigestAuth holds digest credentials. Credentials may be replaced at any
// time; requests in flight keep the ones they started with.
type DigestAuth struct {
	mu       sync.RWMutex
	username string
	password string
	nc       uint64
}

// NewDigestAuth creates a digest handler with the given credentials.
func NewDigestAuth(username, password string) *DigestAuth {
	return &DigestAuth{username: username, password: password}
}

// SetCredentials replaces the credentials.
func (a *DigestAuth) SetCredentials(username, password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.username, a.password = username, password
}

func (a *DigestAuth) credentials() (string, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.username, a.password
}

// DigestTransport is an http.RoundTripper that answers a digest challenge.
// The request is sent once without credentials; on a 401 carrying a Digest
// challenge it is re-sent exactly once with an Authorization header. The
// response to the retry is returned as is, so a second 401 reaches the
// caller.
type DigestTransport struct {
	Auth      *DigestAuth
	Transport http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *DigestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := transport.RoundTrip(withBody(req, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge, ok := ParseDigestChallenge(resp.Header.Get("WWW-Authenticate"))
	if !ok {
		return resp, nil
	}
	username, password := t.Auth.credentials()
	if username == "" {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retry := withBody(req, body)
	retry.Header.Set("Authorization", t.Auth.authorization(username, password, req.Method, req.URL.RequestURI(), body, challenge))
	return transport.RoundTrip(retry)
}

// readBody buffers the request body so it can be hashed and sent twice.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func withBody(req *http.Request, body []byte) *http.Request {
	r := req.Clone(req.Context())
	if body == nil {
		r.Body = http.NoBody
		return r
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	r.ContentLength = int64(len(body))
	return r
}

// DigestChallenge is a parsed WWW-Authenticate: Digest header.
type DigestChallenge struct {
	Realm     string
	Nonce     string
	QOP       []string
	Algorithm string
	Opaque    string
}

// ParseDigestChallenge parses a Digest challenge, honouring quoted values
// that contain commas (qop="auth,auth-int").
func ParseDigestChallenge(header string) (*DigestChallenge, bool) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "Digest") {
		return nil, false
	}

	c := &DigestChallenge{}
	for _, param := range splitParams(rest) {
		key, value, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "realm":
			c.Realm = value
		case "nonce":
			c.Nonce = value
		case "qop":
			for _, q := range strings.Split(value, ",") {
				if q = strings.TrimSpace(q); q != "" {
					c.QOP = append(c.QOP, q)
				}
			}
		case "algorithm":
			c.Algorithm = value
		case "opaque":
			c.Opaque = value
		}
	}
	if c.Nonce == "" {
		return nil, false
	}
	return c, true
}

// splitParams splits on commas outside double quotes.
func splitParams(s string) []string {
	var (
		parts  []string
		quoted bool
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(s[start:]))
}

// qop picks auth-int when a body is present and offered, else auth.
func (c *DigestChallenge) qop(hasBody bool) string {
	var auth, authInt bool
	for _, q := range c.QOP {
		switch q {
		case "auth":
			auth = true
		case "auth-int":
			authInt = true
		}
	}
	switch {
	case authInt && (hasBody || !auth):
		return "auth-int"
	case auth:
		return "auth"
	}
	return ""
}

func (a *DigestAuth) authorization(username, password, method, uri string, body []byte, c *DigestChallenge) string {
	nc := fmt.Sprintf("%08x", atomic.AddUint64(&a.nc, 1))
	cnonce := newCnonce()
	qop := c.qop(len(body) > 0)

	ha1 := md5Hex(username + ":" + c.Realm + ":" + password)
	if strings.EqualFold(c.Algorithm, "MD5-sess") {
		ha1 = md5Hex(ha1 + ":" + c.Nonce + ":" + cnonce)
	}

	ha2 := md5Hex(method + ":" + uri)
	if qop == "auth-int" {
		ha2 = md5Hex(method + ":" + uri + ":" + md5Hex(string(body)))
	}

	var response string
	if qop != "" {
		response = md5Hex(strings.Join([]string{ha1, c.Nonce, nc, cnonce, qop, ha2}, ":"))
	} else {
		response = md5Hex(ha1 + ":" + c.Nonce + ":" + ha2)
	}

	header := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		username, c.Realm, c.Nonce, uri, response)
	if c.Algorithm != "" {
		header += ", algorithm=" + c.Algorithm
	}
	if qop != "" {
		header += fmt.Sprintf(`, qop=%s, nc=%s, cnonce="%s"`, qop, nc, cnonce)
	}
	if c.Opaque != "" {
		header += fmt.Sprintf(`, opaque="%s"`, c.Opaque)
	}
	return header
}

func newCnonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
