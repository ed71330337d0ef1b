// Package registryauth implements the registry auth broker of spec.md
// §4.B: it sits in front of every registry HTTP call, transparently
// satisfies WWW-Authenticate bearer/basic challenges, and caches tokens by
// challenge fingerprint.
package registryauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/scaffoldly/rowdy/internal/classify"
)

// defaultTokenTTL is used when a token response omits expires_in, per
// spec.md §4.B ("expiresAt = now + (expires_in ?? 60s)").
const defaultTokenTTL = 60 * time.Second

// Signer produces a signed realm URL and any headers required for the AWS
// ECR degenerate case, where the realm endpoint itself must be SigV4
// signed with ambient AWS credentials (spec.md §4.B).
type Signer interface {
	// Sign returns the headers to attach to a GET against realmURL so
	// that it is accepted as SigV4-signed.
	Sign(ctx context.Context, realmURL string) (http.Header, error)
	// Handles reports whether this signer applies to the given realm host
	// (ECR realms are a degenerate case of the generic bearer flow).
	Handles(realmHost string) bool
}

type cachedToken struct {
	authorization string
	expiresAt     time.Time
}

// Broker wraps an *http.Client, transparently handling 401 challenges for
// every request passed to Do.
type Broker struct {
	client *http.Client
	signer Signer

	mu     sync.Mutex
	tokens map[string]cachedToken

	group singleflight.Group
}

// New returns a Broker using client for both the original request and the
// token-exchange request. signer may be nil when no AWS ECR realms are in
// play.
func New(client *http.Client, signer Signer) *Broker {
	if client == nil {
		client = http.DefaultClient
	}
	return &Broker{
		client: client,
		signer: signer,
		tokens: make(map[string]cachedToken),
	}
}

// Do performs req, transparently handling a single WWW-Authenticate
// challenge: on 401 it exchanges a token, retries once with the
// Authorization header set, and returns that response. Any other status,
// including a second 401, is returned as-is for the caller to classify.
func (b *Broker) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if auth := req.Header.Get("Authorization"); auth == "" {
		if cached, ok := b.lookupCachedFor(req); ok {
			req.Header.Set("Authorization", cached)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	wwwAuth := resp.Header.Get("WWW-Authenticate")
	if wwwAuth == "" {
		// No challenge to satisfy: this is an AuthFatal, not an
		// AuthChallenge, per spec.md §7.
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()

	c, parseErr := parseChallenge(wwwAuth)
	if parseErr != nil {
		return nil, errors.Wrap(parseErr, "registryauth: parsing challenge")
	}

	auth, err := b.authorizationFor(ctx, c)
	if err != nil {
		return nil, errors.Wrap(err, "registryauth: obtaining token")
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, "registryauth: rewinding request body for retry")
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", auth)

	retryResp, err := b.client.Do(retry)
	if err != nil {
		return nil, err
	}
	return retryResp, nil
}

// lookupCachedFor returns any unexpired cached token whose challenge realm
// is on req's host, whatever its scope, because the fingerprint requires
// the challenge we have not seen yet on a cold request. It only saves a
// round trip when the registry and its token realm share a host; a token
// for another scope draws a fresh 401 challenge, which Do then satisfies.
func (b *Broker) lookupCachedFor(req *http.Request) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, tok := range b.tokens {
		if strings.HasPrefix(key, req.URL.Host+"|") && time.Now().Before(tok.expiresAt) {
			return tok.authorization, true
		}
	}
	return "", false
}

// authorizationFor resolves (from cache, or by refreshing) the Authorization
// header value to use for a request that hit challenge c. Concurrent
// refreshes for the same fingerprint are coalesced into one in-flight
// exchange, per spec.md §4.B's "at most one token-refresh per fingerprint
// may be in flight."
func (b *Broker) authorizationFor(ctx context.Context, c challenge) (string, error) {
	key := hostKey(c) + "|" + c.fingerprint()

	b.mu.Lock()
	if tok, ok := b.tokens[key]; ok && time.Now().Before(tok.expiresAt) {
		b.mu.Unlock()
		return tok.authorization, nil
	}
	b.mu.Unlock()

	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		return b.refresh(ctx, c)
	})
	if err != nil {
		return "", err
	}
	tok := v.(cachedToken)

	b.mu.Lock()
	b.tokens[key] = tok
	b.mu.Unlock()

	return tok.authorization, nil
}

func hostKey(c challenge) string {
	if idx := strings.Index(c.Realm, "://"); idx >= 0 {
		rest := c.Realm[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			return rest[:slash]
		}
		return rest
	}
	return c.Realm
}

func (b *Broker) refresh(ctx context.Context, c challenge) (cachedToken, error) {
	if c.Scheme == "Basic" {
		// Basic credentials are supplied by the caller up front (via
		// Image.Authorization); there is nothing to exchange.
		return cachedToken{}, errors.New("registryauth: basic challenge with no cached credential")
	}

	realmURL := c.Realm
	q := url.Values{}
	if c.Service != "" {
		q.Set("service", c.Service)
	}
	if c.Scope != "" {
		q.Set("scope", c.Scope)
	}
	if enc := q.Encode(); enc != "" {
		if strings.Contains(realmURL, "?") {
			realmURL += "&" + enc
		} else {
			realmURL += "?" + enc
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realmURL, nil)
	if err != nil {
		return cachedToken{}, err
	}

	if b.signer != nil && b.signer.Handles(req.URL.Host) {
		headers, err := b.signer.Sign(ctx, realmURL)
		if err != nil {
			return cachedToken{}, errors.Wrap(err, "registryauth: signing ECR realm request")
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return cachedToken{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := classify.FromStatus(resp.StatusCode, true)
		return cachedToken{}, errors.Errorf("registryauth: token exchange against %s failed with status %d (%s)", realmURL, resp.StatusCode, kind)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return cachedToken{}, errors.Wrap(err, "registryauth: decoding token response")
	}

	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return cachedToken{}, errors.New("registryauth: token response carried no token")
	}

	ttl := defaultTokenTTL
	if body.ExpiresIn > 0 {
		ttl = time.Duration(body.ExpiresIn) * time.Second
	}

	scheme := c.Scheme
	if scheme == "" {
		scheme = "Bearer"
	}

	logrus.Debugf("registryauth: refreshed token for %s (scope=%s), ttl=%s", c.Realm, c.Scope, ttl)

	return cachedToken{
		authorization: scheme + " " + token,
		expiresAt:     time.Now().Add(ttl),
	}, nil
}
