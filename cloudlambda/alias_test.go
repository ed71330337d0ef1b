package cloudlambda

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQualifierSandboxIsAlwaysLatest(t *testing.T) {
	assert.Equal(t, "$LATEST", Qualifier(true, "noble-20251001", ""))
}

func TestQualifierFromTag(t *testing.T) {
	assert.Equal(t, "noble-20251001", Qualifier(false, "noble-20251001", ""))
}

func TestQualifierFromDigest(t *testing.T) {
	digest := "sha256:4cb780d50443fc4463f1f9360c03ca46512e4fdd8fd97c5ce7e69c8758924575"
	assert.Equal(t, "sha256-4cb780d50443", Qualifier(false, "", digest))
}

func TestQualifierSanitizesDisallowedCharacters(t *testing.T) {
	assert.Equal(t, "v1_2_beta", Qualifier(false, "v1.2/beta", ""))
}

func TestExtractSids(t *testing.T) {
	policy := `{"Version":"2012-10-17","Id":"default","Statement":[{"Sid":"FunctionURLAllowPublicAccess","Effect":"Allow"},{"Sid":"FunctionURLInvokeAllowPublicAccess","Effect":"Allow"}]}`
	sids := extractSids(policy)
	assert.True(t, sids[FunctionURLAllowPublicAccessSid])
	assert.True(t, sids[FunctionURLInvokeAllowPublicAccessSid])
	assert.False(t, sids["NotPresent"])
}
