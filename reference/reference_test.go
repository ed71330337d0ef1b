package reference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultRegistry = "registry-1.docker.io"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Image
	}{
		{
			name: "bare name defaults namespace and tag",
			raw:  "ubuntu",
			want: Image{
				Registry:  defaultRegistry,
				Namespace: "library",
				Name:      "ubuntu",
				Slug:      "library/ubuntu",
				Digest:    "latest",
				Tag:       "latest",
			},
		},
		{
			name: "digest pin clears tag",
			raw:  "ubuntu@sha256:4cb780d50443fc4463f1f9360c03ca46512e4fdd8fd97c5ce7e69c8758924575",
			want: Image{
				Registry:  defaultRegistry,
				Namespace: "library",
				Name:      "ubuntu",
				Slug:      "library/ubuntu",
				Digest:    "sha256:4cb780d50443fc4463f1f9360c03ca46512e4fdd8fd97c5ce7e69c8758924575",
				Tag:       "",
			},
		},
		{
			name: "explicit registry with intermediate path segment",
			raw:  "public.ecr.aws/docker/library/ubuntu:latest",
			want: Image{
				Registry:  "public.ecr.aws",
				Namespace: "library",
				Name:      "ubuntu",
				Slug:      "docker/library/ubuntu",
				Digest:    "latest",
				Tag:       "latest",
			},
		},
		{
			name: "mirror registry with dated tag",
			raw:  "mirror.gcr.io/library/ubuntu:noble-20251001",
			want: Image{
				Registry:  "mirror.gcr.io",
				Namespace: "library",
				Name:      "ubuntu",
				Slug:      "library/ubuntu",
				Digest:    "noble-20251001",
				Tag:       "noble-20251001",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.raw, defaultRegistry)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURLs(t *testing.T) {
	img, err := Normalize("ubuntu", defaultRegistry)
	require.NoError(t, err)
	assert.Equal(t, defaultRegistry+"/library/ubuntu:latest", img.Image())
	assert.Equal(t, "https://"+defaultRegistry+"/v2/library/ubuntu/manifests/latest", img.ManifestURL())
}

func TestNormalizeRejectsEmpty(t *testing.T) {
	_, err := Normalize("", defaultRegistry)
	assert.Error(t, err)
}

func TestNormalizeRejectsUnsupportedDigestAlgorithm(t *testing.T) {
	_, err := Normalize("ubuntu@sha512:abc", defaultRegistry)
	assert.Error(t, err)
}

func TestNormalizeDefaultRegistryIsConfigurable(t *testing.T) {
	img, err := Normalize("library/ubuntu", "mirror.gcr.io")
	require.NoError(t, err)
	assert.Equal(t, "mirror.gcr.io", img.Registry)
}
