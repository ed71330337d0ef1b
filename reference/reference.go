// Package reference normalizes a user-supplied OCI image string into the
// canonical Image record described in spec.md §3 and §4.A.
package reference

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Image is the canonical, immutable image reference record. Image is a pure
// function of the other fields: exactly one of Tag or a sha256-prefixed
// Digest is the content pin.
type Image struct {
	Registry  string
	Namespace string
	Name      string
	// Slug is the full repository path (namespace plus any registry-side
	// path segments that preceded it, joined with Name), e.g.
	// "docker/library/ubuntu" when Namespace is only "library".
	Slug string
	// Digest is either a tag string or "sha256:<hex>".
	Digest string
	// Tag is empty when the user pinned a content digest.
	Tag string
	// Authorization, if set, is injected as the Authorization header on
	// every request for this reference (set by callers, not derived here).
	Authorization string
}

// Reference returns the fully qualified "digest" a caller should pin: the
// tag if one is set, else the content digest.
func (i Image) Reference() string {
	if i.Tag != "" {
		return i.Tag
	}
	return i.Digest
}

// Image returns the fully-qualified image string form, a pure function of
// the other fields per spec.md §3's invariant.
func (i Image) Image() string {
	return fmt.Sprintf("%s/%s:%s", i.Registry, i.Slug, i.Reference())
}

// String satisfies fmt.Stringer.
func (i Image) String() string { return i.Image() }

// ManifestURL returns the registry manifest endpoint for this reference.
func (i Image) ManifestURL() string {
	return fmt.Sprintf("https://%s/v2/%s/manifests/%s", i.Registry, i.Slug, i.Reference())
}

// BlobURL returns the registry blob endpoint for the given digest under
// this image's repository.
func (i Image) BlobURL(digest string) string {
	return fmt.Sprintf("https://%s/v2/%s/blobs/%s", i.Registry, i.Slug, digest)
}

// UploadsURL returns the endpoint used to initiate a chunked blob upload.
func (i Image) UploadsURL() string {
	return fmt.Sprintf("https://%s/v2/%s/blobs/uploads/", i.Registry, i.Slug)
}

const defaultNamespace = "library"

// Normalize implements spec.md §4.A: split on "/", infer registry and
// namespace, and separate the trailing tag or digest pin. defaultRegistry
// is used when raw does not carry an explicit registry host segment (the
// open question in spec.md §9: history shows both registry-1.docker.io and
// mirror.gcr.io used as this fallback, so it is always configuration, never
// a hard-coded literal).
func Normalize(raw, defaultRegistry string) (Image, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Image{}, errors.New("normalize: empty image reference")
	}

	segments := strings.Split(raw, "/")

	registry := defaultRegistry
	rest := segments
	if len(segments) >= 3 {
		registry = segments[0]
		rest = segments[1:]
	}
	if len(rest) == 0 {
		return Image{}, errors.New("normalize: missing image name")
	}

	last := rest[len(rest)-1]
	before := rest[:len(rest)-1] // everything between registry and name

	name, digest, tag, err := splitNameRef(last)
	if err != nil {
		return Image{}, err
	}
	if name == "" {
		return Image{}, errors.Errorf("normalize: empty name parsed from %q", raw)
	}

	namespace := defaultNamespace
	var prefix []string
	if len(before) > 0 {
		namespace = before[len(before)-1]
		prefix = before[:len(before)-1]
	}

	slugParts := append(append([]string{}, prefix...), namespace, name)

	return Image{
		Registry:  registry,
		Namespace: namespace,
		Name:      name,
		Slug:      strings.Join(slugParts, "/"),
		Digest:    digest,
		Tag:       tag,
	}, nil
}

// splitNameRef splits "name[:tag]" or "name@sha256:<hex>" into its parts,
// per spec.md §4.A's digest-vs-tag rule.
func splitNameRef(s string) (name, digest, tag string, err error) {
	if idx := strings.Index(s, "@"); idx >= 0 {
		name = s[:idx]
		pin := s[idx+1:]
		if !strings.HasPrefix(pin, "sha256:") {
			return "", "", "", errors.Errorf("normalize: unsupported digest algorithm in %q", s)
		}
		return name, pin, "", nil
	}

	if idx := strings.Index(s, ":"); idx >= 0 {
		name = s[:idx]
		tag = s[idx+1:]
		if tag == "" {
			tag = "latest"
		}
		return name, tag, tag, nil
	}

	return s, "latest", "latest", nil
}
