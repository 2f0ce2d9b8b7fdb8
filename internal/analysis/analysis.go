// Package analysis defines the document-analysis capability the pipeline calls
// for each chunk of pages, and the clients that implement it.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackzampolin/folio/internal/chunk"
)

// Service analyzes a page range of a document.
//
// Implementations must be safe to call repeatedly for the same range: a retried
// or resumed chunk calls Analyze again and expects an equivalent result.
type Service interface {
	Analyze(ctx context.Context, documentLocation string, r chunk.Range) ([]PageRecord, error)
}

// PermanentError is implemented by errors that retrying cannot fix,
// such as a rejected API key or a malformed request.
type PermanentError interface {
	error
	Permanent() bool
}

// IsPermanent reports whether err (or anything it wraps) is a permanent failure.
func IsPermanent(err error) bool {
	var pe PermanentError
	return errors.As(err, &pe) && pe.Permanent()
}

// PageRecord is one analyzed page. Fields other than page_number, content and
// metadata are kept verbatim in Extra and written back out unchanged.
type PageRecord struct {
	PageNumber int                        `json:"page_number"`
	Content    string                     `json:"content"`
	Metadata   map[string]any             `json:"metadata,omitempty"`
	Extra      map[string]json.RawMessage `json:"-"`
}

var knownFields = map[string]bool{"page_number": true, "content": true, "metadata": true}

// UnmarshalJSON decodes the known fields and keeps the rest in Extra.
func (p *PageRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	type plain PageRecord
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*p = PageRecord(out)

	for k, v := range fields {
		if knownFields[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	return nil
}

// MarshalJSON writes the known fields followed by Extra in key order.
func (p PageRecord) MarshalJSON() ([]byte, error) {
	type plain PageRecord
	base, err := json.Marshal(plain(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return base, nil
	}

	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		if !knownFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(base[:len(base)-1])
	for _, k := range keys {
		name, _ := json.Marshal(k)
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(p.Extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// IsRemote reports whether a document location is an http(s) URL rather than
// a path in the blob store.
func IsRemote(location string) bool {
	l := strings.ToLower(location)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// PageNumbers returns the page numbers of records in their current order.
func PageNumbers(pages []PageRecord) []int {
	out := make([]int, len(pages))
	for i, p := range pages {
		out[i] = p.PageNumber
	}
	return out
}

// ValidateRange checks that every record falls inside r.
func ValidateRange(pages []PageRecord, r chunk.Range) error {
	for _, p := range pages {
		if !r.Contains(p.PageNumber) {
			return fmt.Errorf("page %d outside range %s", p.PageNumber, r)
		}
	}
	return nil
}
