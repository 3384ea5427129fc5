// Package artifacts hands out presigned upload URLs so workers can push
// screenshots and videos straight to S3-compatible storage.
package artifacts

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/director/pkg/config"
)

// Upload is a presigned upload target for one artifact.
type Upload struct {
	// UploadURL accepts a single PUT of the artifact body.
	UploadURL string `json:"uploadUrl"`
	// URL is where the artifact can be read once uploaded. Workers record
	// it on the instance after the upload succeeded.
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Presigner generates upload URLs for instance artifacts.
type Presigner interface {
	PresignUpload(
		ctx context.Context, runID, instanceID, artifactID, contentType string,
	) (*Upload, error)
}

// Compile-time interface check.
var _ Presigner = (*s3Presigner)(nil)

type s3Presigner struct {
	log           logrus.FieldLogger
	cfg           *config.S3Config
	presignClient *s3.PresignClient
	expiry        time.Duration
	publicBase    string
}

// NewS3Presigner creates a presigner from the artifacts configuration.
func NewS3Presigner(
	log logrus.FieldLogger,
	cfg *config.S3Config,
) (Presigner, error) {
	expiry, err := time.ParseDuration(cfg.Expiry)
	if err != nil {
		return nil, fmt.Errorf("parsing artifacts.s3.expiry: %w", err)
	}

	return &s3Presigner{
		log:           log.WithField("component", "s3-presigner"),
		cfg:           cfg,
		presignClient: s3.NewPresignClient(newS3Client(cfg)),
		expiry:        expiry,
		publicBase:    publicURLBase(cfg),
	}, nil
}

func (p *s3Presigner) PresignUpload(
	ctx context.Context, runID, instanceID, artifactID, contentType string,
) (*Upload, error) {
	key, err := ObjectKey(p.cfg.Prefix, runID, instanceID, artifactID)
	if err != nil {
		return nil, err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	}

	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	result, err := p.presignClient.PresignPutObject(ctx, input, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return nil, fmt.Errorf("presigning upload for %q: %w", key, err)
	}

	p.log.WithFields(logrus.Fields{
		"instance_id": instanceID,
		"key":         key,
	}).Debug("Presigned artifact upload")

	return &Upload{
		UploadURL: result.URL,
		URL:       p.publicBase + "/" + key,
		Key:       key,
		ExpiresAt: time.Now().UTC().Add(p.expiry),
	}, nil
}

// ObjectKey builds the storage key of an artifact. Every segment must be a
// single clean path element.
func ObjectKey(prefix, runID, instanceID, artifactID string) (string, error) {
	for _, segment := range []string{runID, instanceID, artifactID} {
		if segment == "" || segment == "." || segment == ".." ||
			strings.ContainsAny(segment, `/\`) {
			return "", fmt.Errorf("invalid artifact key segment %q", segment)
		}
	}

	key := path.Join(runID, instanceID, artifactID)

	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}

	return key, nil
}

// publicURLBase returns the configured public base or the bucket URL.
func publicURLBase(cfg *config.S3Config) string {
	if cfg.PublicURLBase != "" {
		return strings.TrimRight(cfg.PublicURLBase, "/")
	}

	if cfg.EndpointURL != "" {
		return strings.TrimRight(cfg.EndpointURL, "/") + "/" + cfg.Bucket
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
