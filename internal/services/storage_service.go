// internal/services/storage_service.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/pharma-custody-backend/internal/config"
)

const certificateFolder = "certificates"

// StorageService archives custody certificates to S3, or to the local
// filesystem when no AWS credentials are configured.
type StorageService struct {
	s3Client s3iface.S3API
	config   config.AWSConfig
}

func NewStorageService(cfg config.AWSConfig) (*StorageService, error) {
	if cfg.AccessKeyID == "" {
		// Return service without S3 for local development
		return &StorageService{config: cfg}, nil
	}

	// Create AWS session
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewStorageServiceWithClient(s3.New(sess), cfg), nil
}

func NewStorageServiceWithClient(client s3iface.S3API, cfg config.AWSConfig) *StorageService {
	return &StorageService{s3Client: client, config: cfg}
}

func (s *StorageService) ArchiveCustodyCertificate(ctx context.Context, cert *CustodyCertificate) (string, error) {
	body, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode certificate: %w", err)
	}
	key := certificateKey(cert)

	if s.s3Client != nil {
		return s.uploadToS3(ctx, body, key)
	}
	return s.uploadToLocal(body, key)
}

func (s *StorageService) uploadToS3(ctx context.Context, body []byte, key string) (string, error) {
	params := &s3.PutObjectInput{
		Bucket:        aws.String(s.config.S3Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
	}

	if _, err := s.s3Client.PutObjectWithContext(ctx, params); err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	return s.getS3URL(key), nil
}

func (s *StorageService) uploadToLocal(body []byte, key string) (string, error) {
	path := filepath.Join(s.config.CertificatePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("failed to write certificate: %w", err)
	}

	logrus.WithField("path", path).Debug("Certificate written to local storage")
	return "file://" + filepath.ToSlash(path), nil
}

func (s *StorageService) getS3URL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.config.S3Bucket, s.config.Region, key)
}

func certificateKey(cert *CustodyCertificate) string {
	return fmt.Sprintf("%s/%s/%s.json", certificateFolder, cert.ConfirmedAt.UTC().Format("2006/01"), cert.InvoiceID)
}
