package registryauth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/pkg/errors"
)

// ecrService is the SigV4 signing name ECR realm requests are signed
// against.
const ecrService = "ecr"

// ECRSigner implements Signer for the AWS ECR degenerate case: the realm
// endpoint is itself SigV4-signed using ambient AWS credentials.
type ECRSigner struct {
	CredentialsProvider aws.CredentialsProvider
	Region              string
	signer              *v4.Signer
}

// NewECRSigner returns a Signer bound to the given AWS config's
// credentials and region.
func NewECRSigner(cfg aws.Config) *ECRSigner {
	return &ECRSigner{
		CredentialsProvider: cfg.Credentials,
		Region:              cfg.Region,
		signer:              v4.NewSigner(),
	}
}

// Handles reports whether host looks like an ECR API endpoint.
func (s *ECRSigner) Handles(host string) bool {
	return strings.Contains(host, ".dkr.ecr.") || strings.Contains(host, ".ecr.")
}

// Sign returns the SigV4 Authorization/X-Amz-* headers for a GET against
// realmURL.
func (s *ECRSigner) Sign(ctx context.Context, realmURL string) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realmURL, nil)
	if err != nil {
		return nil, err
	}

	creds, err := s.CredentialsProvider.Retrieve(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "ecrsigner: retrieving ambient AWS credentials")
	}

	payloadHash := emptyPayloadSHA256
	if err := s.signer.SignHTTP(ctx, creds, req, payloadHash, ecrService, s.Region, time.Now()); err != nil {
		return nil, errors.Wrap(err, "ecrsigner: signing realm request")
	}

	return req.Header, nil
}

// emptyPayloadSHA256 is the SHA-256 of an empty body, required by SigV4 for
// GET requests with no payload.
const emptyPayloadSHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
