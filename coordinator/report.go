package coordinator

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/gurre/rs-transfer/aws"
	"github.com/gurre/rs-transfer/metrics"
	"github.com/gurre/rs-transfer/storage"
)

// S3ReportUploader writes the final report as JSON to an S3 object.
type S3ReportUploader struct {
	client aws.S3Client
}

// NewS3ReportUploader creates a new S3ReportUploader.
func NewS3ReportUploader(client aws.S3Client) *S3ReportUploader {
	return &S3ReportUploader{client: client}
}

// UploadReport implements ReportUploader.
func (u *S3ReportUploader) UploadReport(ctx context.Context, uri string, report metrics.Report) error {
	bucket, key, err := storage.ParseURI(uri)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("report URI %s has no key", uri)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	contentType := "application/json"
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put report to %s: %w", uri, err)
	}
	return nil
}
