package transfer

import "github.com/pkg/errors"

// Status aggregates Upload Results, per spec.md §3 and §4.G.
type Status struct {
	TargetRegistry string
	Namespace      string
	Name           string
	results        []Result
	// finalDescriptors is the rebuilt index's per-platform descriptor
	// list, used by ImageRef to resolve a platform's synthesized digest.
	finalDescriptors []Descriptor
}

// NewStatus returns an empty aggregator for a transfer targeting the given
// registry/namespace/name, with the plan's final per-platform descriptors
// available for ImageRef lookups.
func NewStatus(targetRegistry, namespace, name string, plan *Plan) *Status {
	descriptors := make([]Descriptor, 0, len(plan.ImageManifests))
	for _, item := range plan.ImageManifests {
		descriptors = append(descriptors, Descriptor{
			Digest:   item.Digest,
			Platform: item.Platform,
		})
	}
	return &Status{
		TargetRegistry:   targetRegistry,
		Namespace:        namespace,
		Name:             name,
		finalDescriptors: descriptors,
	}
}

// Record appends a completed Upload Result to the status log.
func (s *Status) Record(r Result) {
	s.results = append(s.results, r)
}

// Code returns 200 if no result failed, else 206, per spec.md §3.
func (s *Status) Code() int {
	for _, r := range s.results {
		if r.Failed() {
			return 206
		}
	}
	return 200
}

// Reasons returns the flattened non-success reasons across every result.
func (s *Status) Reasons() []string {
	var reasons []string
	for _, r := range s.results {
		if r.Failed() {
			reasons = append(reasons, r.Reasons...)
		}
	}
	return reasons
}

// ImageRef resolves the final "<target-registry>/<ns>/<name>@<digest>"
// reference for platform, per spec.md §4.G. Default platform is
// linux/amd64 when the caller passes the zero Platform.
func (s *Status) ImageRef(platform Platform) (string, error) {
	if platform == (Platform{}) {
		platform = DefaultPlatform
	}
	for _, d := range s.finalDescriptors {
		if d.Platform != nil && *d.Platform == platform {
			slug := s.Namespace + "/" + s.Name
			return s.TargetRegistry + "/" + slug + "@" + d.Digest, nil
		}
	}
	return "", errors.Errorf("transfer: unable to find image for platform %s", platform)
}
