package transfer

import (
	"bytes"
	"encoding/json"
	"io"

	ggcrv1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/pkg/errors"
)

func newByteReader(b []byte) io.Reader { return bytes.NewReader(b) }

// wireDescriptor mirrors the OCI/Docker content descriptor wire format.
type wireDescriptor struct {
	MediaType   types.MediaType   `json:"mediaType"`
	Digest      string            `json:"digest"`
	Size        int64             `json:"size"`
	Platform    *wirePlatform     `json:"platform,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type wirePlatform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
}

type wireIndex struct {
	SchemaVersion int              `json:"schemaVersion"`
	MediaType     types.MediaType  `json:"mediaType"`
	Manifests     []wireDescriptor `json:"manifests"`
}

type wireManifest struct {
	SchemaVersion int            `json:"schemaVersion"`
	MediaType     types.MediaType `json:"mediaType"`
	Config        wireDescriptor `json:"config"`
	Layers        []wireDescriptor `json:"layers"`
}

// supportedIndexMediaTypes and supportedManifestMediaTypes implement
// spec.md §3's Collected Manifest invariant.
var supportedIndexMediaTypes = map[types.MediaType]bool{
	types.OCIImageIndex:       true,
	types.DockerManifestList: true,
}

var supportedManifestMediaTypes = map[types.MediaType]bool{
	types.OCIManifestSchema1:     true,
	types.DockerManifestSchema2: true,
}

func toDescriptor(w wireDescriptor) Descriptor {
	d := Descriptor{
		MediaType:   w.MediaType,
		Digest:      w.Digest,
		Size:        w.Size,
		Annotations: w.Annotations,
	}
	if w.Platform != nil {
		d.Platform = &Platform{OS: w.Platform.OS, Architecture: w.Platform.Architecture}
	}
	return d
}

// parseIndex parses and validates an index/manifest-list body.
func parseIndex(body []byte) (Index, error) {
	var w wireIndex
	if err := json.Unmarshal(body, &w); err != nil {
		return Index{}, errors.Wrap(err, "transfer: decoding index")
	}
	if w.SchemaVersion != 2 {
		return Index{}, errors.Errorf("transfer: unsupported index schemaVersion %d", w.SchemaVersion)
	}
	if !supportedIndexMediaTypes[w.MediaType] {
		return Index{}, errors.Errorf("transfer: unsupported index mediaType %q", w.MediaType)
	}

	idx := Index{SchemaVersion: w.SchemaVersion, MediaType: w.MediaType}
	for _, m := range w.Manifests {
		idx.Manifests = append(idx.Manifests, toDescriptor(m))
	}
	return idx, nil
}

// parseImageManifest parses and validates a single-platform image manifest.
func parseImageManifest(body []byte) (ImageManifest, error) {
	var w wireManifest
	if err := json.Unmarshal(body, &w); err != nil {
		return ImageManifest{}, errors.Wrap(err, "transfer: decoding image manifest")
	}
	if w.SchemaVersion != 2 {
		return ImageManifest{}, errors.Errorf("transfer: unsupported manifest schemaVersion %d", w.SchemaVersion)
	}
	if !supportedManifestMediaTypes[w.MediaType] {
		return ImageManifest{}, errors.Errorf("transfer: unsupported manifest mediaType %q", w.MediaType)
	}

	m := ImageManifest{
		SchemaVersion: w.SchemaVersion,
		MediaType:     w.MediaType,
		Config:        toDescriptor(w.Config),
		raw:           body,
	}
	for _, l := range w.Layers {
		m.Layers = append(m.Layers, toDescriptor(l))
	}
	return m, nil
}

// Body re-serializes the manifest (after any overlay splicing), which
// becomes the digest and size the planner uses in preference to the
// original manifest's own digest, per spec.md §4.E.
func (m ImageManifest) Body() ([]byte, error) {
	w := wireManifest{
		SchemaVersion: m.SchemaVersion,
		MediaType:     m.MediaType,
		Config: wireDescriptor{
			MediaType: m.Config.MediaType,
			Digest:    m.Config.Digest,
			Size:      m.Config.Size,
		},
	}
	for _, l := range m.Layers {
		w.Layers = append(w.Layers, wireDescriptor{
			MediaType:   l.MediaType,
			Digest:      l.Digest,
			Size:        l.Size,
			Annotations: l.Annotations,
		})
	}
	return json.Marshal(w)
}

// bodyForIndex serializes an index referencing the synthesized per-platform
// manifest digests, preserving each descriptor's annotations and platform
// fields, per spec.md §4.E item 3.
func bodyForIndex(mediaType types.MediaType, descriptors []Descriptor) ([]byte, error) {
	w := wireIndex{SchemaVersion: 2, MediaType: mediaType}
	for _, d := range descriptors {
		wd := wireDescriptor{
			MediaType:   d.MediaType,
			Digest:      d.Digest,
			Size:        d.Size,
			Annotations: d.Annotations,
		}
		if d.Platform != nil {
			wd.Platform = &wirePlatform{OS: d.Platform.OS, Architecture: d.Platform.Architecture}
		}
		w.Manifests = append(w.Manifests, wd)
	}
	return json.Marshal(w)
}

// digestOf computes the sha256 content digest for body, in the
// "sha256:<hex>" form spec.md §4.E requires for synthesized manifests.
func digestOf(body []byte) (string, error) {
	h, _, err := ggcrv1.SHA256(newByteReader(body))
	if err != nil {
		return "", err
	}
	return h.String(), nil
}
