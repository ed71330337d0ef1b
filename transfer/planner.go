package transfer

import (
	"github.com/pkg/errors"

	"github.com/scaffoldly/rowdy/target"
)

// Plan is the ordered set of Upload Items produced by the Planner, grouped
// as spec.md §4.E requires: all blobs, then all image manifests, then
// exactly one index/tag item.
type Plan struct {
	Blobs           []Item
	ImageManifests  []Item
	IndexTag        Item
}

// Planner implements spec.md §4.E: it converts a CollectedManifest into an
// ordered set of upload work items.
type Planner struct {
	Target target.Registry
}

// NewPlanner returns a Planner targeting the given resolved target registry
// repository.
func NewPlanner(t target.Registry) *Planner {
	return &Planner{Target: t}
}

// Plan builds the three ordered groups for cm.
func (p *Planner) Plan(cm *CollectedManifest) (*Plan, error) {
	var blobs []Item
	var manifestItems []Item
	var finalDescriptors []Descriptor

	for _, pm := range cm.Platforms {
		for _, b := range blobDescriptors(pm.Manifest) {
			blobs = append(blobs, Item{
				Type:      ItemBlob,
				Digest:    b.Digest,
				MediaType: string(b.MediaType),
				Size:      b.Size,
				FromURL:   cm.Image.BlobURL(b.Digest),
				ToURL:     p.Target.BlobUploadsURL(),
			})
		}

		body, err := pm.Manifest.Body()
		if err != nil {
			return nil, errors.Wrap(err, "transfer: serializing spliced manifest")
		}
		digest, err := digestOf(body)
		if err != nil {
			return nil, err
		}

		platform := pm.Descriptor.Platform

		manifestItems = append(manifestItems, Item{
			Type:      ItemManifest,
			Digest:    digest,
			MediaType: string(pm.Manifest.MediaType),
			Size:      int64(len(body)),
			ToURL:     p.Target.ManifestURL(digest),
			Content:   body,
			Platform:  platform,
		})

		finalDescriptors = append(finalDescriptors, Descriptor{
			MediaType:   pm.Manifest.MediaType,
			Digest:      digest,
			Size:        int64(len(body)),
			Platform:    platform,
			Annotations: pm.Descriptor.Annotations,
		})
	}

	tagOrUntagged := cm.Image.Tag
	if tagOrUntagged == "" {
		tagOrUntagged = "untagged-" + first12Hex(cm.ContentDigest)
	}

	indexBody, err := bodyForIndex(cm.Index.MediaType, finalDescriptors)
	if err != nil {
		return nil, errors.Wrap(err, "transfer: serializing index")
	}

	indexItem := Item{
		Type:      ItemManifest,
		Digest:    tagOrUntagged,
		MediaType: string(cm.Index.MediaType),
		Size:      int64(len(indexBody)),
		ToURL:     p.Target.ManifestURL(tagOrUntagged),
		Content:   indexBody,
	}

	return &Plan{
		Blobs:          blobs,
		ImageManifests: manifestItems,
		IndexTag:       indexItem,
	}, nil
}

// blobDescriptors returns the config descriptor followed by every layer
// descriptor for m, per spec.md §4.E item 1.
func blobDescriptors(m ImageManifest) []Descriptor {
	out := make([]Descriptor, 0, len(m.Layers)+1)
	out = append(out, m.Config)
	out = append(out, m.Layers...)
	return out
}

func first12Hex(digest string) string {
	hex := digest
	if idx := indexOfColon(digest); idx >= 0 {
		hex = digest[idx+1:]
	}
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}

func indexOfColon(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
