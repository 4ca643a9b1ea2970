// Package warehouse holds the Redshift SQL surface used by the transfer
// tracker: UNLOAD/COPY statement builders, execution-catalog queries and the
// connection setup (lib/pq, credentials from Secrets Manager).
package warehouse

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Operation keywords as they appear in statement text. The resolver matches
// on these when it has to search the execution catalog.
const (
	KeywordUnload = "unload"
	KeywordCopy   = "copy"
)

// Format is the columnar/text layout of the files under the storage path.
type Format string

const (
	FormatParquet Format = "PARQUET"
	FormatJSON    Format = "JSON"
	FormatCSV     Format = "CSV"
)

// ParseFormat accepts a format name case-insensitively. An empty name
// selects Parquet.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(FormatParquet):
		return FormatParquet, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatCSV):
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported format %q (want PARQUET, JSON or CSV)", s)
}

// LineOriented reports whether each record of the format occupies one line,
// which is what makes row counting by streaming possible.
func (f Format) LineOriented() bool {
	return f == FormatJSON || f == FormatCSV
}

// Table identifies a warehouse table.
type Table struct {
	Schema string
	Name   string
}

// Qualified returns the quoted schema.table reference.
func (t Table) Qualified() string {
	schema := t.Schema
	if schema == "" {
		schema = "public"
	}
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(t.Name)
}

// UnloadOptions describes an export of a table to a storage prefix.
type UnloadOptions struct {
	Source      Table
	Query       string // overrides SELECT * FROM Source when set
	Destination string // s3://bucket/prefix/
	IAMRole     string
	Format      Format
	Overwrite   bool
	Manifest    bool
}

// Unload renders the UNLOAD statement. The inner query is passed as a
// string literal, so it is quoted rather than interpolated.
func Unload(o UnloadOptions) string {
	query := o.Query
	if query == "" {
		query = "SELECT * FROM " + o.Source.Qualified()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "UNLOAD (%s)\n", pq.QuoteLiteral(query))
	fmt.Fprintf(&b, "TO %s\n", pq.QuoteLiteral(o.Destination))
	fmt.Fprintf(&b, "IAM_ROLE %s\n", pq.QuoteLiteral(o.IAMRole))
	fmt.Fprintf(&b, "FORMAT AS %s", formatOrDefault(o.Format))
	if o.Overwrite {
		b.WriteString("\nALLOWOVERWRITE")
	}
	if o.Manifest {
		b.WriteString("\nMANIFEST VERBOSE")
	}
	return b.String()
}

// CopyOptions describes an import of files under a storage prefix (or a
// manifest) into a table.
type CopyOptions struct {
	Target   Table
	Source   string // s3://bucket/prefix/ or the manifest object when Manifest is set
	IAMRole  string
	Format   Format
	Manifest bool
}

// Copy renders the COPY statement.
func Copy(o CopyOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "COPY %s\n", o.Target.Qualified())
	fmt.Fprintf(&b, "FROM %s\n", pq.QuoteLiteral(o.Source))
	fmt.Fprintf(&b, "IAM_ROLE %s\n", pq.QuoteLiteral(o.IAMRole))
	switch f := formatOrDefault(o.Format); f {
	case FormatJSON:
		b.WriteString("FORMAT AS JSON 'auto'")
	default:
		fmt.Fprintf(&b, "FORMAT AS %s", f)
	}
	if o.Manifest {
		b.WriteString("\nMANIFEST")
	}
	return b.String()
}

func formatOrDefault(f Format) Format {
	if f == "" {
		return FormatParquet
	}
	return f
}
