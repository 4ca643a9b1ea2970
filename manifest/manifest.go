// Package manifest loads and verifies Redshift data manifests: the
// MANIFEST VERBOSE file written by UNLOAD and the manifest read by
// COPY ... MANIFEST.
package manifest

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/rs-transfer/aws"
	"github.com/gurre/rs-transfer/storage"
	"github.com/samber/lo"
)

// Meta carries the sizes Redshift records per file and, for verbose
// manifests, for the whole unload.
type Meta struct {
	ContentLength int64 `json:"content_length"`
	RecordCount   int64 `json:"record_count"`
}

// Entry is one data file listed in a manifest. Mandatory is nil for UNLOAD
// manifests, which do not carry the field.
type Entry struct {
	URL       string `json:"url"`
	Mandatory *bool  `json:"mandatory,omitempty"`
	Meta      *Meta  `json:"meta,omitempty"`
}

// Required reports whether a missing file should fail verification.
func (e Entry) Required() bool {
	return e.Mandatory == nil || *e.Mandatory
}

// Manifest is a decoded manifest file.
// Example:
//
//	m, err := loader.Load(ctx, "s3://exports/orders/manifest")
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("%d files, %d rows\n", m.Totals().Files, m.Totals().Rows)
type Manifest struct {
	URI     string  `json:"-"`
	Entries []Entry `json:"entries"`
	Meta    *Meta   `json:"meta,omitempty"`
}

// Totals summarises the files a manifest lists.
type Totals struct {
	Files int
	Rows  int64
	Bytes int64
}

// Totals sums the per-entry metadata. Entries without metadata count as
// files only.
func (m Manifest) Totals() Totals {
	withMeta := lo.Filter(m.Entries, func(e Entry, _ int) bool { return e.Meta != nil })
	return Totals{
		Files: len(m.Entries),
		Rows:  lo.SumBy(withMeta, func(e Entry) int64 { return e.Meta.RecordCount }),
		Bytes: lo.SumBy(withMeta, func(e Entry) int64 { return e.Meta.ContentLength }),
	}
}

// Loader loads a manifest and checks the files it lists against the store.
type Loader interface {
	Load(ctx context.Context, uri string) (Manifest, error)
	Verify(ctx context.Context, m Manifest) error
}

// S3Loader implements Loader using AWS S3.
type S3Loader struct {
	client aws.S3Client
}

// NewS3Loader creates a new S3Loader instance.
func NewS3Loader(client aws.S3Client) *S3Loader {
	return &S3Loader{client: client}
}

// Load reads and decodes the manifest at uri.
func (l *S3Loader) Load(ctx context.Context, uri string) (Manifest, error) {
	bucket, key, err := storage.ParseURI(uri)
	if err != nil {
		return Manifest{}, err
	}
	if key == "" {
		return Manifest{}, fmt.Errorf("invalid manifest URI %s: missing key", uri)
	}

	resp, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to get manifest %s: %w", uri, err)
	}
	if resp.Body == nil {
		return Manifest{}, fmt.Errorf("manifest response body is nil")
	}
	defer func() { _ = resp.Body.Close() }()

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest %s: %w", uri, err)
	}
	m.URI = uri
	return m, nil
}

// Verify checks that every listed file exists and, when the manifest
// records a content length, that the stored size matches. Files marked
// mandatory=false may be absent.
func (l *S3Loader) Verify(ctx context.Context, m Manifest) error {
	for _, entry := range m.Entries {
		bucket, key, err := storage.ParseURI(entry.URL)
		if err != nil {
			return fmt.Errorf("manifest %s: %w", m.URI, err)
		}

		resp, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: &bucket,
			Key:    &key,
		})
		if err != nil {
			if isNotFound(err) && !entry.Required() {
				continue
			}
			return fmt.Errorf("failed to get metadata for data file %s: %w", entry.URL, err)
		}

		if entry.Meta == nil || entry.Meta.ContentLength == 0 {
			continue
		}
		if resp.ContentLength == nil {
			return fmt.Errorf("content length is nil for data file %s", entry.URL)
		}
		if *resp.ContentLength != entry.Meta.ContentLength {
			return fmt.Errorf("size mismatch for data file %s: manifest %d, stored %d",
				entry.URL, entry.Meta.ContentLength, *resp.ContentLength)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}
