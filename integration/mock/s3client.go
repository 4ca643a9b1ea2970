// Package mock provides in-memory AWS clients for tests.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is a mock implementation of aws.S3Client interface for testing.
// It also implements s3streamer.Streamer over the same objects.
type S3Client struct {
	mu sync.RWMutex
	// Maps bucket/key to file content
	Files map[string][]byte
	// Maps bucket/key to metadata
	Metadata map[string]map[string]string
	// PageSize bounds ListObjectsV2 pages to exercise pagination
	PageSize int
	// Deleted records bucket/key of every deleted object
	Deleted []string
}

// NewS3Client creates a new mock S3 client
func NewS3Client() *S3Client {
	return &S3Client{
		Files:    make(map[string][]byte),
		Metadata: make(map[string]map[string]string),
		PageSize: 1000,
	}
}

// AddFile adds a file to the mock storage
func (m *S3Client) AddFile(bucket, key string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucketKey := fmt.Sprintf("%s/%s", bucket, key)
	m.Files[bucketKey] = content
	m.Metadata[bucketKey] = map[string]string{"Content-Type": "application/octet-stream"}
}

// File returns the content stored at bucket/key.
func (m *S3Client) File(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.Files[bucket+"/"+key]
	return data, ok
}

func etagOf(content []byte) *string {
	return aws.String(fmt.Sprintf("\"%x\"", len(content)))
}

func noSuchKey(key string) error {
	return &types.NoSuchKey{
		Message: aws.String(fmt.Sprintf("The specified key does not exist: %s", key)),
	}
}

// GetObject implements the S3Client interface for reading objects
func (m *S3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucketKey := fmt.Sprintf("%s/%s", *params.Bucket, *params.Key)
	content, ok := m.Files[bucketKey]
	if !ok {
		return nil, noSuchKey(*params.Key)
	}

	contentLength := int64(len(content))
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(content)),
		Metadata:      m.Metadata[bucketKey],
		ETag:          etagOf(content),
		ContentLength: &contentLength,
	}, nil
}

// PutObject implements the S3Client interface for writing objects
func (m *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucketKey := fmt.Sprintf("%s/%s", *params.Bucket, *params.Key)
	m.Files[bucketKey] = data
	if params.Metadata != nil {
		m.Metadata[bucketKey] = params.Metadata
	} else {
		m.Metadata[bucketKey] = make(map[string]string)
	}

	return &s3.PutObjectOutput{ETag: etagOf(data)}, nil
}

// HeadObject implements the S3Client interface for retrieving object metadata
func (m *S3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucketKey := fmt.Sprintf("%s/%s", *params.Bucket, *params.Key)
	content, ok := m.Files[bucketKey]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("Not Found")}
	}

	contentLength := int64(len(content))
	return &s3.HeadObjectOutput{
		ETag:          etagOf(content),
		Metadata:      m.Metadata[bucketKey],
		ContentLength: &contentLength,
	}, nil
}

// ListObjectsV2 implements the S3Client interface. Continuation tokens are
// offsets into the sorted key list.
func (m *S3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucketPrefix := *params.Bucket + "/" + aws.ToString(params.Prefix)
	var keys []string
	for k := range m.Files {
		if strings.HasPrefix(k, bucketPrefix) {
			keys = append(keys, strings.TrimPrefix(k, *params.Bucket+"/"))
		}
	}
	sort.Strings(keys)

	start := 0
	if params.ContinuationToken != nil {
		n, err := strconv.Atoi(*params.ContinuationToken)
		if err != nil {
			return nil, fmt.Errorf("mock S3: bad continuation token %q", *params.ContinuationToken)
		}
		start = n
	}
	pageSize := m.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	end := start + pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{
		KeyCount:    aws.Int32(int32(end - start)),
		IsTruncated: aws.Bool(end < len(keys)),
	}
	for _, k := range keys[start:end] {
		size := int64(len(m.Files[*params.Bucket+"/"+k]))
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(size)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

// DeleteObjects implements the S3Client interface for batch deletes
func (m *S3Client) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := &s3.DeleteObjectsOutput{}
	for _, obj := range params.Delete.Objects {
		bucketKey := *params.Bucket + "/" + aws.ToString(obj.Key)
		delete(m.Files, bucketKey)
		delete(m.Metadata, bucketKey)
		m.Deleted = append(m.Deleted, bucketKey)
		out.Deleted = append(out.Deleted, types.DeletedObject{Key: obj.Key})
	}
	return out, nil
}
