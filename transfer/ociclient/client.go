// Package ociclient is the shared HTTP plumbing the transfer stages that
// make registry calls (the source collector and the upload executor) use to talk to
// an OCI distribution registry: it owns the registryauth.Broker and
// ensures every request carries the Accept header appropriate to what it
// is fetching, per spec.md §4.B's invariant.
package ociclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/scaffoldly/rowdy/internal/classify"
	"github.com/scaffoldly/rowdy/registryauth"
)

func newReader(b []byte) io.Reader { return bytes.NewReader(b) }

// Media type strings accepted for index/manifest GETs, per spec.md §3 and
// §4.C step 1 ("the unified Accept header listing both OCI and Docker
// media types for index and image manifest").
const (
	MediaTypeOCIIndex            = "application/vnd.oci.image.index.v1+json"
	MediaTypeOCIManifest         = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeDockerManifestList  = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerManifest      = "application/vnd.docker.distribution.manifest.v2+json"
)

// ManifestAccept is the combined Accept header used for index/manifest GETs.
var ManifestAccept = []string{
	MediaTypeOCIIndex,
	MediaTypeOCIManifest,
	MediaTypeDockerManifestList,
	MediaTypeDockerManifest,
}

// Client wraps a registryauth.Broker with the verbs the transfer pipeline
// needs: GET (manifest/blob), HEAD (existence probe), POST (initiate
// upload), PATCH (stream body), PUT (finalize).
type Client struct {
	Broker *registryauth.Broker
}

// New returns a Client using the given broker.
func New(broker *registryauth.Broker) *Client {
	return &Client{Broker: broker}
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.Broker.Do(ctx, req)
	if err != nil {
		return nil, retryableErr(err)
	}
	return resp, nil
}

// retryableErr marks network-level errors (no HTTP response at all) as
// transient so internal/retry keeps retrying them.
func retryableErr(err error) error {
	return errors.Wrap(err, "ociclient: transport error")
}

// GetManifest performs step 1 of spec.md §4.C: GET the manifest URL with
// the unified Accept header, returning the body and the
// docker-content-digest response header (fatal if absent, per the
// function's SchemaUnsupported contract -- callers check for "").
func (c *Client) GetManifest(ctx context.Context, url string) (body []byte, digest string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", joinAccept(ManifestAccept))

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError(resp, "fetching manifest from %s", url)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errors.Wrap(err, "ociclient: reading manifest body")
	}
	return b, resp.Header.Get("docker-content-digest"), nil
}

// GetBlob performs an unbounded streaming GET of a blob/manifest source,
// per spec.md §4.F step 3. The caller is responsible for closing the
// returned ReadCloser.
func (c *Client) GetBlob(ctx context.Context, url, mediaType string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	if mediaType != "" {
		req.Header.Set("Accept", mediaType)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, 0, statusError(resp, "fetching blob from %s", url)
	}
	return resp.Body, resp.ContentLength, nil
}

// HeadBlob performs the existence probe of spec.md §4.F step 1. ok is true
// only on a 200 with matching content-length and docker-content-digest.
func (c *Client) HeadBlob(ctx context.Context, url, digest string, size int64) (ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return false, err
	}
	defer io.Copy(io.Discard, resp.Body) //nolint:errcheck
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return false, nil
	case http.StatusOK:
		return resp.ContentLength == size && resp.Header.Get("docker-content-digest") == digest, nil
	default:
		return false, statusError(resp, "probing blob existence at %s", url)
	}
}

// InitiateUpload performs spec.md §4.F step 2: POST to begin a chunked
// blob upload, returning the session Location URL.
func (c *Client) InitiateUpload(ctx context.Context, uploadsURL, mediaType string) (sessionURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadsURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mediaType)

	resp, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer io.Copy(io.Discard, resp.Body) //nolint:errcheck
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 || resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusCreated {
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", errors.Errorf("ociclient: upload initiation at %s carried no Location header", uploadsURL)
		}
		return loc, nil
	}
	return "", statusError(resp, "initiating upload at %s", uploadsURL)
}

// PatchUpload performs spec.md §4.F step 4: stream the body to the session
// URL as a single contiguous PATCH.
func (c *Client) PatchUpload(ctx context.Context, sessionURL string, body io.Reader, size int64) (nextSessionURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, sessionURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		req.ContentLength = size
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer io.Copy(io.Discard, resp.Body) //nolint:errcheck
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return "", statusError(resp, "patching upload at %s", sessionURL)
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	return sessionURL, nil
}

// FinalizeBlob performs spec.md §4.F step 5 for a blob: PUT the session
// URL with the digest query parameter and an empty body.
func (c *Client) FinalizeBlob(ctx context.Context, sessionURL, digest, mediaType string) error {
	url := sessionURL
	if contains(url, '?') {
		url += "&digest=" + digest
	} else {
		url += "?digest=" + digest
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mediaType)

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer io.Copy(io.Discard, resp.Body) //nolint:errcheck
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return statusError(resp, "finalizing blob at %s", sessionURL)
	}
	return nil
}

// PutManifest performs spec.md §4.F step 5 for a manifest: PUT the
// manifest body directly to its tag/digest URL.
func (c *Client) PutManifest(ctx context.Context, manifestURL, mediaType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, manifestURL, newReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mediaType)
	req.ContentLength = int64(len(body))

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer io.Copy(io.Discard, resp.Body) //nolint:errcheck
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return statusError(resp, "putting manifest at %s", manifestURL)
	}
	return nil
}

// StatusError is returned by the client's verb methods when the registry
// answers with an unexpected HTTP status. Kind carries classify.FromStatus's
// verdict so callers (the upload executor's retry loop) can decide to retry
// or fail the item without re-parsing the error string.
type StatusError struct {
	Status int
	Kind   classify.Kind
	msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d (%s)", e.msg, e.Status, e.Kind)
}

func statusError(resp *http.Response, format string, args ...interface{}) error {
	return &StatusError{
		Status: resp.StatusCode,
		Kind:   classify.FromStatus(resp.StatusCode, true),
		msg:    fmt.Sprintf(format, args...),
	}
}

func joinAccept(types []string) string {
	out := ""
	for i, t := range types {
		if i > 0 {
			out += ", "
		}
		out += t
	}
	return out
}

func contains(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}
