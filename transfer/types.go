// Package transfer implements the OCI transfer pipeline's collector,
// planner, executor, and status aggregator (spec.md §4.C, §4.E, §4.F,
// §4.G).
package transfer

import (
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/scaffoldly/rowdy/reference"
)

// overlayAnnotation marks layers grafted in from an overlay image, per
// spec.md §4.C step 5 and §6's tag namespacing.
const overlayAnnotation = "run.rowdy.index.url"

// attestationAnnotation identifies attestation manifests to exclude, per
// spec.md §3's Collected Manifest invariant.
const attestationAnnotation = "vnd.docker.reference.type"
const attestationAnnotationValue = "attestation-manifest"

// Platform identifies a single-architecture manifest within an index.
type Platform struct {
	OS           string
	Architecture string
}

func (p Platform) String() string { return p.OS + "/" + p.Architecture }

// DefaultPlatform is used when a caller does not request one explicitly,
// per spec.md §4.G.
var DefaultPlatform = Platform{OS: "linux", Architecture: "amd64"}

// Descriptor mirrors the subset of an OCI content descriptor this pipeline
// cares about.
type Descriptor struct {
	MediaType   types.MediaType
	Digest      string
	Size        int64
	Platform    *Platform
	Annotations map[string]string
}

// ImageManifest is a parsed single-platform image manifest: a config
// descriptor plus an ordered layer list.
type ImageManifest struct {
	SchemaVersion int
	MediaType     types.MediaType
	Config        Descriptor
	Layers        []Descriptor
	// raw is the exact bytes this manifest was parsed from, before any
	// overlay splicing; Body() re-serializes after splicing.
	raw []byte
}

// PlatformManifest pairs an index descriptor with its fetched manifest.
type PlatformManifest struct {
	Descriptor Descriptor
	Manifest   ImageManifest
}

// Index is a parsed OCI image index / Docker manifest list.
type Index struct {
	SchemaVersion int
	MediaType     types.MediaType
	Manifests     []Descriptor
}

// CollectedManifest is the product of the source collector (spec.md §4.C
// and §3's "Collected Manifest").
type CollectedManifest struct {
	Image               reference.Image
	Index               Index
	Platforms           []PlatformManifest
	ContentDigest       string
	AcceptHeaders       []string
}

// selectPlatform returns the kept platform manifest matching p, if any.
func (c *CollectedManifest) selectPlatform(p Platform) (*PlatformManifest, bool) {
	for i := range c.Platforms {
		d := c.Platforms[i].Descriptor
		if d.Platform != nil && d.Platform.OS == p.OS && d.Platform.Architecture == p.Architecture {
			return &c.Platforms[i], true
		}
	}
	return nil, false
}

// ItemType discriminates the two Upload Item variants of spec.md §3.
type ItemType int

const (
	ItemBlob ItemType = iota
	ItemManifest
)

func (t ItemType) String() string {
	if t == ItemBlob {
		return "blob"
	}
	return "manifest"
}

// Item is a single planned upload, produced by the Planner (spec.md §4.E)
// and consumed by the Executor (spec.md §4.F).
type Item struct {
	Type      ItemType
	Digest    string // destination tag name for the index/tag item
	MediaType string
	Size      int64
	FromURL   string
	ToURL     string
	// Content holds an in-memory body for manifests synthesized locally
	// (the per-platform manifest and the index/tag); nil for blobs, which
	// are streamed. A manifest item with nil Content is fetched from
	// FromURL and read fully into memory before the PUT.
	Content []byte
	// Platform is set for per-platform manifest items, used by the status
	// aggregator to resolve imageRef(platform).
	Platform *Platform
}

// Result is the outcome of executing a single Item (spec.md §3's "Upload
// Result").
type Result struct {
	Item       Item
	Statuses   []int
	Reasons    []string
	Verified   bool
	BytesSent  int64
}

// Failed reports whether any observed status was >= 400.
func (r Result) Failed() bool {
	for _, s := range r.Statuses {
		if s >= 400 {
			return true
		}
	}
	return false
}
