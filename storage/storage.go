// Package storage covers the object-store steps around a transfer: clearing
// an export prefix beforehand and inventorying what an export wrote.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gurre/rs-transfer/aws"
	"github.com/gurre/s3streamer"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// deleteBatchSize is the DeleteObjects per-request limit.
const deleteBatchSize = 1000

var s3URIPattern = regexp.MustCompile(`^s3://([^/]+)/?(.*)$`)

// ParseURI splits s3://bucket/key into its parts. The key may be empty.
func ParseURI(uri string) (bucket, key string, err error) {
	m := s3URIPattern.FindStringSubmatch(uri)
	if len(m) != 3 {
		return "", "", fmt.Errorf("invalid S3 URI format: %s (must be s3://bucket/key)", uri)
	}
	return m[1], m[2], nil
}

// Object is one listed object.
type Object struct {
	Key  string
	Size int64
}

// Inventory lists, clears and reads objects under a prefix.
type Inventory struct {
	client   aws.S3Client
	streamer s3streamer.Streamer
}

// NewInventory creates an Inventory. streamer may be nil when CountLines is
// not used.
func NewInventory(client aws.S3Client, streamer s3streamer.Streamer) *Inventory {
	return &Inventory{client: client, streamer: streamer}
}

// List returns every object under prefix.
func (i *Inventory) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var objects []Object
	p := s3.NewListObjectsV2Paginator(i.client, &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: &prefix,
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:  sdkaws.ToString(obj.Key),
				Size: sdkaws.ToInt64(obj.Size),
			})
		}
	}
	return objects, nil
}

// ClearPrefix deletes every object under prefix and returns how many were
// removed. An empty prefix is rejected.
func (i *Inventory) ClearPrefix(ctx context.Context, bucket, prefix string) (int, error) {
	if strings.Trim(prefix, "/") == "" {
		return 0, fmt.Errorf("refusing to clear the root of bucket %s", bucket)
	}

	objects, err := i.List(ctx, bucket, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, chunk := range lo.Chunk(objects, deleteBatchSize) {
		ids := lo.Map(chunk, func(o Object, _ int) types.ObjectIdentifier {
			return types.ObjectIdentifier{Key: sdkaws.String(o.Key)}
		})
		out, err := i.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &bucket,
			Delete: &types.Delete{Objects: ids, Quiet: sdkaws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete objects under s3://%s/%s: %w", bucket, prefix, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted, fmt.Errorf("failed to delete %d objects, first %s: %s",
				len(out.Errors), sdkaws.ToString(first.Key), sdkaws.ToString(first.Message))
		}
		deleted += len(chunk)
	}

	log.WithFields(log.Fields{"bucket": bucket, "prefix": prefix, "deleted": deleted}).Info("cleared storage prefix")
	return deleted, nil
}

// CountLines streams each data object and counts its lines. Manifest files
// and empty objects are skipped.
func (i *Inventory) CountLines(ctx context.Context, bucket string, objects []Object) (int64, error) {
	if i.streamer == nil {
		return 0, fmt.Errorf("no streamer configured")
	}
	var total int64
	for _, obj := range objects {
		if obj.Size == 0 || IsManifestKey(obj.Key) {
			continue
		}
		err := i.streamer.Stream(ctx, bucket, obj.Key, 0, func(line []byte, _ int64) error {
			if len(line) > 0 {
				total++
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("failed to stream s3://%s/%s: %w", bucket, obj.Key, err)
		}
	}
	return total, nil
}

// TotalSize sums object sizes.
func TotalSize(objects []Object) int64 {
	return lo.SumBy(objects, func(o Object) int64 { return o.Size })
}

// IsManifestKey reports whether key is an UNLOAD manifest.
func IsManifestKey(key string) bool {
	return strings.HasSuffix(key, "manifest")
}
