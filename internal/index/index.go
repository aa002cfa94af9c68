// Package index builds the identity index that maps source numbers to mirror pages.
//
// The index is rebuilt from a full scan of the mirror database on every run
// and is read-only once Build returns.
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/JohanCodinha/ghnotion/internal/record"
)

// ErrMirrorIndex marks a failure to read the mirror while building the index.
var ErrMirrorIndex = errors.New("mirror index error")

// MirrorRecord is one page returned by a database query.
type MirrorRecord struct {
	Handle record.MirrorHandle
	// Properties maps property name to the store's property reference.
	Properties map[string]string
}

// Page is one page of database query results.
type Page struct {
	Records    []MirrorRecord
	NextCursor string // empty when the database is exhausted
}

// Store is the subset of the mirror store the builder needs.
type Store interface {
	// QueryDatabase returns the page of records starting at cursor ("" for the first page).
	QueryDatabase(ctx context.Context, databaseID, cursor string) (Page, error)
	// RetrieveNumber resolves a numeric property of one page. ok is false when the value is empty.
	RetrieveNumber(ctx context.Context, handle record.MirrorHandle, property string) (value int, ok bool, err error)
}

// Duplicate records a key claimed by more than one mirror page.
// Kept is the handle the index resolves to; Dropped lost the collision.
type Duplicate struct {
	Key     record.ExternalKey
	Kept    record.MirrorHandle
	Dropped record.MirrorHandle
}

// Index maps ExternalKey to MirrorHandle.
type Index struct {
	handles    map[record.ExternalKey]record.MirrorHandle
	duplicates []Duplicate
	skipped    int
}

// New builds an index from an existing mapping. Used by tests and dry runs.
func New(m map[record.ExternalKey]record.MirrorHandle) *Index {
	handles := make(map[record.ExternalKey]record.MirrorHandle, len(m))
	for k, v := range m {
		handles[k] = v
	}
	return &Index{handles: handles}
}

// Lookup returns the mirror page for key.
func (i *Index) Lookup(key record.ExternalKey) (record.MirrorHandle, bool) {
	h, ok := i.handles[key]
	return h, ok
}

// Len returns the number of indexed keys.
func (i *Index) Len() int { return len(i.handles) }

// Duplicates returns every key collision seen while building.
func (i *Index) Duplicates() []Duplicate { return i.duplicates }

// Skipped returns how many mirror records had no usable key.
func (i *Index) Skipped() int { return i.skipped }

// Build scans databaseID page by page and resolves keyProperty on every record.
//
// Records without the key property, or with an empty value, are skipped with a
// warning. When two records claim the same key the later one wins and the
// collision is recorded in Duplicates.
func Build(ctx context.Context, store Store, databaseID, keyProperty string) (*Index, error) {
	log := clog.FromContext(ctx).With("database", databaseID)

	var records []MirrorRecord
	cursor := ""
	for {
		page, err := store.QueryDatabase(ctx, databaseID, cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: querying database %s: %w", ErrMirrorIndex, databaseID, err)
		}
		records = append(records, page.Records...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	log.Infof("%d pages successfully fetched", len(records))

	idx := &Index{handles: make(map[record.ExternalKey]record.MirrorHandle, len(records))}
	for _, rec := range records {
		if _, ok := rec.Properties[keyProperty]; !ok {
			log.With("page", rec.Handle).Warnf("page has no %q property, skipping", keyProperty)
			idx.skipped++
			continue
		}

		n, ok, err := store.RetrieveNumber(ctx, rec.Handle, keyProperty)
		if err != nil {
			return nil, fmt.Errorf("%w: retrieving %q of page %s: %w", ErrMirrorIndex, keyProperty, rec.Handle, err)
		}
		if !ok {
			log.With("page", rec.Handle).Warnf("page has an empty %q property, skipping", keyProperty)
			idx.skipped++
			continue
		}

		key := record.ExternalKey(n)
		if prev, exists := idx.handles[key]; exists && prev != rec.Handle {
			log.With("key", key).Warnf("pages %s and %s both claim #%d, keeping %s", prev, rec.Handle, key, rec.Handle)
			idx.duplicates = append(idx.duplicates, Duplicate{Key: key, Kept: rec.Handle, Dropped: prev})
		}
		idx.handles[key] = rec.Handle
	}

	return idx, nil
}
