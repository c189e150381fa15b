package pool

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

const bedrockService = "bedrock"

// Signer signs requests with AWS SigV4 for bedrock-runtime. Credentials come
// from the standard AWS chain (env, shared file, IAM role).
type Signer struct {
	credentials aws.CredentialsProvider
	region      string
	signer      *v4.Signer
	now         func() time.Time
}

// NewSigner loads credentials for region and verifies they can be retrieved.
func NewSigner(ctx context.Context, region string) (*Signer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}
	return NewSignerWithCredentials(cfg.Credentials, region), nil
}

// NewSignerWithCredentials builds a signer from an explicit provider.
func NewSignerWithCredentials(creds aws.CredentialsProvider, region string) *Signer {
	return &Signer{
		credentials: creds,
		region:      region,
		signer:      v4.NewSigner(),
		now:         time.Now,
	}
}

// Region returns the signing region.
func (s *Signer) Region() string { return s.region }

// Sign adds SigV4 headers to req. body must be the exact bytes sent.
func (s *Signer) Sign(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := s.credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}
	payloadHash := fmt.Sprintf("%x", sha256.Sum256(body))
	if err := s.signer.SignHTTP(ctx, creds, req, payloadHash, bedrockService, s.region, s.now()); err != nil {
		return fmt.Errorf("failed to sign Bedrock request: %w", err)
	}
	return nil
}
