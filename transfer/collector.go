package transfer

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/scaffoldly/rowdy/internal/retry"
	"github.com/scaffoldly/rowdy/reference"
	"github.com/scaffoldly/rowdy/transfer/ociclient"
)

// Collector implements spec.md §4.C: it walks a registry's index and
// per-platform manifests, optionally grafting layers from an overlay
// image, and produces a CollectedManifest.
type Collector struct {
	Client      *ociclient.Client
	Concurrency int
}

// NewCollector returns a Collector bounded to concurrency simultaneous
// per-platform manifest fetches (spec.md §4.C step 4).
func NewCollector(client *ociclient.Client, concurrency int) *Collector {
	return &Collector{Client: client, Concurrency: concurrency}
}

// Collect fetches img's index and every kept platform manifest. When
// overlay is non-nil, its manifests are collected first (recursively) and
// spliced into matching primary platform manifests, per spec.md §4.C
// steps 3 and 5.
func (c *Collector) Collect(ctx context.Context, img reference.Image, overlay *reference.Image) (*CollectedManifest, error) {
	var overlayManifest *CollectedManifest
	if overlay != nil {
		om, err := c.Collect(ctx, *overlay, nil)
		if err != nil {
			return nil, errors.Wrap(err, "transfer: collecting overlay image")
		}
		overlayManifest = om
	}

	body, digest, err := c.fetchWithRetry(ctx, img.ManifestURL())
	if err != nil {
		return nil, errors.Wrap(err, "transfer: fetching index")
	}
	if digest == "" {
		return nil, errors.New("transfer: registry response carried no docker-content-digest header")
	}

	index, err := parseIndex(body)
	if err != nil {
		return nil, err
	}

	kept := filterDescriptors(index.Manifests, overlay != nil)

	platforms, err := c.fetchPlatforms(ctx, img, kept)
	if err != nil {
		return nil, err
	}

	if overlayManifest != nil {
		graftLayers(platforms, overlayManifest, overlay.ManifestURL())
	}

	return &CollectedManifest{
		Image:         img,
		Index:         index,
		Platforms:     platforms,
		ContentDigest: digest,
		AcceptHeaders: ociclient.ManifestAccept,
	}, nil
}

// filterDescriptors drops attestation manifests and platform-unknown
// entries per spec.md §3's Collected Manifest invariant. The drop happens
// whether or not an overlay is grafted, so it also covers the removal of
// unknown-architecture entries before grafting (spec.md §4.C step 3);
// hasOverlay is not used.
func filterDescriptors(all []Descriptor, hasOverlay bool) []Descriptor {
	kept := make([]Descriptor, 0, len(all))
	for _, d := range all {
		if d.Annotations[attestationAnnotation] == attestationAnnotationValue {
			continue
		}
		if d.Platform == nil || d.Platform.OS == "unknown" || d.Platform.Architecture == "unknown" {
			continue
		}
		kept = append(kept, d)
	}
	_ = hasOverlay
	return kept
}

func (c *Collector) fetchPlatforms(ctx context.Context, img reference.Image, descriptors []Descriptor) ([]PlatformManifest, error) {
	results := make([]PlatformManifest, len(descriptors))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrencyOrDefault(c.Concurrency))

	for i, d := range descriptors {
		i, d := i, d
		g.Go(func() error {
			url := img.ManifestURL()
			url = strings.Replace(url, "/manifests/"+img.Reference(), "/manifests/"+d.Digest, 1)

			body, _, err := c.fetchWithRetry(gctx, url)
			if err != nil {
				return errors.Wrapf(err, "transfer: fetching manifest for platform %s", descriptorPlatform(d))
			}
			m, err := parseImageManifest(body)
			if err != nil {
				return err
			}
			results[i] = PlatformManifest{Descriptor: d, Manifest: m}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func descriptorPlatform(d Descriptor) string {
	if d.Platform == nil {
		return "unknown"
	}
	return d.Platform.String()
}

func (c *Collector) fetchWithRetry(ctx context.Context, url string) (body []byte, digest string, err error) {
	retryErr := retry.Do(ctx, retry.Options{}, func(ctx context.Context) error {
		b, dg, e := c.Client.GetManifest(ctx, url)
		if e != nil {
			return e
		}
		body, digest = b, dg
		return nil
	})
	return body, digest, retryErr
}

// graftLayers implements spec.md §4.C step 5: for every primary platform
// manifest with a matching (os, architecture) overlay manifest, append the
// overlay's layers, annotating each with the overlay's manifest URL.
func graftLayers(primary []PlatformManifest, overlay *CollectedManifest, overlayManifestURL string) {
	for i := range primary {
		p := primary[i].Descriptor.Platform
		if p == nil {
			continue
		}
		match, ok := overlay.selectPlatform(*p)
		if !ok {
			continue
		}
		for _, layer := range match.Manifest.Layers {
			grafted := layer
			annotations := make(map[string]string, len(layer.Annotations)+1)
			for k, v := range layer.Annotations {
				annotations[k] = v
			}
			annotations[overlayAnnotation] = overlayManifestURL
			grafted.Annotations = annotations
			primary[i].Manifest.Layers = append(primary[i].Manifest.Layers, grafted)
		}
		logrus.Debugf("transfer: grafted %d overlay layer(s) onto platform %s", len(match.Manifest.Layers), p)
	}
}

func concurrencyOrDefault(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
