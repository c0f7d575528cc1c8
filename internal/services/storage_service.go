// internal/services/storage_service.go
package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/javajoker/asset-market/internal/config"
)

// ResourceLocator turns an asset's content key into a short-lived URL.
type ResourceLocator interface {
	Locate(ctx context.Context, key string) (string, error)
}

type StorageService struct {
	s3Client  *s3.S3
	bucket    string
	publicURL string
	urlTTL    time.Duration
	now       func() time.Time
}

func NewStorageService(config *config.Config) (*StorageService, error) {
	s := &StorageService{
		bucket:    config.AWS.S3Bucket,
		publicURL: config.Server.PublicURL,
		urlTTL:    config.Downloads.URLTTL,
		now:       time.Now,
	}
	if config.AWS.AccessKeyID == "" {
		// Local development serves content through the public URL
		return s, nil
	}

	awsConfig := &aws.Config{
		Region: aws.String(config.AWS.Region),
		Credentials: credentials.NewStaticCredentials(
			config.AWS.AccessKeyID,
			config.AWS.SecretAccessKey,
			"",
		),
	}
	if config.AWS.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.AWS.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	s.s3Client = s3.New(sess)
	return s, nil
}

// Locate returns a presigned GET URL for key, valid for the configured URL TTL.
func (s *StorageService) Locate(ctx context.Context, key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty content key", ErrValidation)
	}

	if s.s3Client == nil {
		return s.localURL(key), nil
	}

	req, _ := s.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	req.SetContext(ctx)

	signed, err := req.Presign(s.urlTTL)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return signed, nil
}

func (s *StorageService) localURL(key string) string {
	expires := s.now().Add(s.urlTTL).Unix()
	return fmt.Sprintf("%s/files/%s?expires=%d", s.publicURL, url.PathEscape(key), expires)
}
