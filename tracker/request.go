package tracker

import (
	"fmt"
	"strings"

	"github.com/gurre/rs-transfer/warehouse"
)

// Direction selects between a bulk export (UNLOAD) and a bulk import (COPY).
type Direction int

const (
	Export Direction = iota + 1
	Import
)

// ParseDirection accepts export/unload and import/copy.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "export", "unload":
		return Export, nil
	case "import", "copy":
		return Import, nil
	}
	return 0, fmt.Errorf("direction must be export or import, got %q", s)
}

func (d Direction) String() string {
	switch d {
	case Export:
		return "export"
	case Import:
		return "import"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// Keyword is the statement keyword used when searching the catalog.
func (d Direction) Keyword() string {
	if d == Import {
		return warehouse.KeywordCopy
	}
	return warehouse.KeywordUnload
}

// Request describes one bulk transfer. It is a value type; the tracker
// keeps its own copy in the handle.
type Request struct {
	Direction      Direction
	Schema         string
	Table          string
	StoragePath    string // s3://bucket/prefix/, or the manifest object for a manifest COPY
	CredentialRole string // IAM role the warehouse assumes to reach the storage path
	Format         warehouse.Format
	Overwrite      bool // UNLOAD ALLOWOVERWRITE
	Manifest       bool // UNLOAD MANIFEST VERBOSE / COPY MANIFEST
}

// Validate rejects requests that cannot produce a well-formed statement.
// Whether the role may actually be assumed is decided by the warehouse.
func (r Request) Validate() error {
	if r.Direction != Export && r.Direction != Import {
		return fmt.Errorf("invalid direction %d", int(r.Direction))
	}
	if strings.TrimSpace(r.Table) == "" {
		return fmt.Errorf("table is required")
	}
	if !strings.HasPrefix(r.StoragePath, "s3://") || len(r.StoragePath) <= len("s3://") {
		return fmt.Errorf("storage path must be an s3:// URI, got %q", r.StoragePath)
	}
	if !strings.HasPrefix(r.CredentialRole, "arn:") || !strings.Contains(r.CredentialRole, ":role/") {
		return fmt.Errorf("credential role must be an IAM role ARN, got %q", r.CredentialRole)
	}
	if _, err := warehouse.ParseFormat(string(r.Format)); err != nil {
		return err
	}
	return nil
}

// QualifiedTable is schema.table for logs and reports.
func (r Request) QualifiedTable() string {
	schema := r.Schema
	if schema == "" {
		schema = "public"
	}
	return schema + "." + r.Table
}

// Statement renders the UNLOAD or COPY text for the request.
func (r Request) Statement() string {
	table := warehouse.Table{Schema: r.Schema, Name: r.Table}
	if r.Direction == Import {
		return warehouse.Copy(warehouse.CopyOptions{
			Target:   table,
			Source:   r.StoragePath,
			IAMRole:  r.CredentialRole,
			Format:   r.Format,
			Manifest: r.Manifest,
		})
	}
	return warehouse.Unload(warehouse.UnloadOptions{
		Source:      table,
		Destination: r.StoragePath,
		IAMRole:     r.CredentialRole,
		Format:      r.Format,
		Overwrite:   r.Overwrite,
		Manifest:    r.Manifest,
	})
}

// catalogFilter scopes the fallback catalog search to this request.
func (r Request) catalogFilter() warehouse.Filter {
	return warehouse.Filter{
		Keyword: r.Direction.Keyword(),
		Path:    r.StoragePath,
		Table:   r.Table,
		Role:    r.CredentialRole,
	}
}
