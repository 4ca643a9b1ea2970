// Package checkpoint persists the identity of a submitted transfer so that
// an interrupted run can resume polling the same statement.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/rs-transfer/aws"
)

// State records one submitted transfer so a later run can resume polling
// instead of submitting the statement again.
// Example:
//
//	store, _ := checkpoint.NewS3Store(client, "s3://my-bucket/checkpoints/orders.json")
//	state, err := store.Load(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if state.Resumable() {
//	    fmt.Printf("statement %d still %s\n", state.StatementID, state.Status)
//	}
type State struct {
	HandleID    string    `json:"handleId"`
	Direction   string    `json:"direction"`
	Table       string    `json:"table"`       // qualified table name
	StoragePath string    `json:"storagePath"`
	StatementID int64     `json:"statementId"` // 0 when never resolved
	SubmittedAt time.Time `json:"submittedAt"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Statuses after which the statement may still be running in the warehouse.
const (
	statusRunning  = "RUNNING"
	statusTimedOut = "TIMED_OUT"
)

// Empty reports whether nothing was ever saved.
func (s State) Empty() bool {
	return s.HandleID == ""
}

// Resumable reports whether polling can pick the statement up again.
func (s State) Resumable() bool {
	return s.StatementID != 0 && (s.Status == statusRunning || s.Status == statusTimedOut)
}

// Matches reports whether the checkpoint belongs to the same transfer.
func (s State) Matches(direction, table, storagePath string) bool {
	return s.Direction == direction && s.Table == table && s.StoragePath == storagePath
}

// Store loads and saves a State. Load returns an empty State when nothing
// has been saved yet.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// S3Store implements the Store interface using AWS S3.
type S3Store struct {
	client aws.S3Client
	bucket string
	key    string
}

// NewS3Store creates a new S3Store instance from an S3 URI.
func NewS3Store(client aws.S3Client, uri string) (*S3Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid S3 URI scheme: %s", u.Scheme)
	}

	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return nil, fmt.Errorf("invalid S3 URI: %s (must be s3://bucket/key)", uri)
	}

	return &S3Store{
		client: client,
		bucket: u.Host,
		key:    key,
	}, nil
}

// Load reads the checkpoint object. A missing object is an empty State.
func (s *S3Store) Load(ctx context.Context) (State, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
	})
	if err != nil {
		// If the object doesn't exist, return empty state
		// Use proper error type assertion instead of string matching
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return State{}, nil
		}
		// Also check for NotFound which some S3-compatible stores return
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return State{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return state, nil
}

// Save overwrites the checkpoint object.
func (s *S3Store) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	// Use bytes.NewReader to avoid extra allocation from string conversion
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// FileStore implements the Store interface using the local filesystem.
type FileStore struct {
	path string
}

// NewFileStore creates a new FileStore instance from a file URI.
// The path must be absolute and is cleaned to prevent path traversal attacks.
func NewFileStore(uri string) (*FileStore, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid file URI: %w", err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("invalid file URI scheme: %s", u.Scheme)
	}

	// Clean the path to resolve any .. or . components
	cleanPath := filepath.Clean(u.Path)

	// Ensure path is absolute to prevent relative path attacks
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("checkpoint path must be absolute: %s", cleanPath)
	}

	// Create directory if it doesn't exist
	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &FileStore{
		path: cleanPath,
	}, nil
}

// Load reads the checkpoint file. A missing file is an empty State.
func (f *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return state, nil
}

// Save writes the checkpoint through a temporary file and a rename.
func (f *FileStore) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}

	return nil
}

// NewStore picks a Store by URI scheme: s3:// or file://. An empty URI
// gives an in-memory store that does not survive the process.
func NewStore(client aws.S3Client, uri string) (Store, error) {
	switch {
	case uri == "":
		return NewMemoryStore(), nil
	case strings.HasPrefix(uri, "s3://"):
		return NewS3Store(client, uri)
	case strings.HasPrefix(uri, "file://"):
		return NewFileStore(uri)
	}
	return nil, fmt.Errorf("unsupported checkpoint URI %q (want s3:// or file://)", uri)
}
