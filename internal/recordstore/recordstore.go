// Package recordstore defines the capability contract for a namespaced,
// asset-oriented record store. Both the production HTTP adapter and the
// deterministic in-memory store implement the same interface set, so the
// transfer engines can be wired against either at construction time.
package recordstore

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Scope selects one of the three partitions of a principal's store.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopePublic  Scope = "public"
	ScopeShared  Scope = "shared"
)

// Persisted-state contract the engines impose on any store backend: the
// payload bytes live in the asset named AssetPayload, the declared byte count
// in the scalar field FieldFileSize. FieldSealed marks payloads that were
// sealed with an end-to-end key before upload.
const (
	AssetPayload  = "payload"
	FieldFileSize = "fileSize"
	FieldSealed   = "sealed"
)

// RecordID is the stable identity of one logical item, plus an optional
// file-extension hint used to derive local cache names. Immutable once
// assigned.
type RecordID struct {
	UUID uuid.UUID
	Ext  string
}

// NewRecordID mints a fresh identity with the given extension hint.
func NewRecordID(ext string) RecordID {
	return RecordID{UUID: uuid.New(), Ext: ext}
}

// Name returns the remote record key for this identity.
func (id RecordID) Name() string {
	return id.UUID.String()
}

// FileName returns the local cache file name, `<uuid>.<ext>` or the bare
// uuid when no extension hint is present.
func (id RecordID) FileName() string {
	if id.Ext == "" {
		return id.UUID.String()
	}

	return id.UUID.String() + "." + id.Ext
}

func (id RecordID) String() string {
	return id.FileName()
}

// ParseRecordID parses `<uuid>` or `<uuid>.<ext>` back into an identity.
func ParseRecordID(s string) (RecordID, error) {
	name, ext, _ := strings.Cut(s, ".")

	u, err := uuid.Parse(name)
	if err != nil {
		return RecordID{}, fmt.Errorf("invalid record id %q: %w", s, err)
	}

	return RecordID{UUID: u, Ext: ext}, nil
}

// ZoneID names a partition of a scope, owned by a user identity. A zone must
// exist before records can be saved into it; creating one is idempotent.
type ZoneID struct {
	Name  string
	Owner string
}

// Record is a remote entity keyed by (zone, identity, type) holding named
// binary assets plus scalar metadata fields. Asset values are local file
// paths: staged files on save, resolved byte sources on fetch.
type Record struct {
	ID     RecordID
	Type   string
	Zone   ZoneID
	Fields map[string]any
	Assets map[string]string
}

// NewRecord returns an empty record keyed by (zone, id, recordType).
func NewRecord(id RecordID, recordType string, zone ZoneID) *Record {
	return &Record{
		ID:     id,
		Type:   recordType,
		Zone:   zone,
		Fields: make(map[string]any),
		Assets: make(map[string]string),
	}
}

// Clone returns a deep copy of the record's metadata maps. Asset paths are
// copied as-is; the underlying files are not duplicated.
func (r *Record) Clone() *Record {
	out := NewRecord(r.ID, r.Type, r.Zone)
	for k, v := range r.Fields {
		out.Fields[k] = v
	}

	for k, v := range r.Assets {
		out.Assets[k] = v
	}

	return out
}

// Principal is the authenticated identity a store call acts as. It is
// threaded through the context of every call rather than held as ambient
// global state; calls without one fail closed with CodeNotAuthenticated.
type Principal struct {
	UserID string
}

type principalKey struct{}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext reports the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)

	return p, ok
}

// SavePolicy controls how a modify operation treats the remote change tag.
type SavePolicy int

const (
	// SaveIfUnchanged fails the save when the remote record changed since
	// it was last fetched.
	SaveIfUnchanged SavePolicy = iota
	// SaveOverwrite saves all keys regardless of the remote change tag.
	// Appropriate when the caller is the sole writer of its records.
	SaveOverwrite
)

// Operation is the cancellable handle shared by both operation shapes.
// Cancellation is cooperative: it suppresses further callback delivery but
// does not guarantee the remote work stops immediately. Cancel is idempotent.
type Operation interface {
	Cancel()
	Cancelled() bool
}

type operationState struct {
	cancelled atomic.Bool
}

func (o *operationState) Cancel() {
	o.cancelled.Store(true)
}

func (o *operationState) Cancelled() bool {
	return o.cancelled.Load()
}

// FetchOperation fetches a set of records by identity. Callbacks are invoked
// serially; OnDone is delivered exactly once unless the operation was
// cancelled first.
type FetchOperation struct {
	operationState

	RecordType string
	IDs        []RecordID

	// OnProgress reports per-record transfer progress as a fraction in [0,1].
	OnProgress func(id RecordID, fraction float64)
	// OnRecord is invoked once per requested identity with the fetched
	// record or that identity's failure.
	OnRecord func(id RecordID, rec *Record, err error)
	// OnDone delivers the batch result: either every fetched record keyed
	// by identity, or an error.
	OnDone func(recs map[RecordID]*Record, err error)
}

// NewFetchOperation builds a fetch for the given identities.
func NewFetchOperation(recordType string, ids ...RecordID) *FetchOperation {
	return &FetchOperation{RecordType: recordType, IDs: ids}
}

// ModifyOperation saves and/or deletes records in one batch.
type ModifyOperation struct {
	operationState

	Save   []*Record
	Delete []RecordID
	Policy SavePolicy

	// OnProgress reports per-record upload progress as a fraction in [0,1].
	OnProgress func(rec *Record, fraction float64)
	// OnRecord is invoked once per saved or deleted identity.
	OnRecord func(id RecordID, err error)
	// OnDone delivers the batch result exactly once unless the operation
	// was cancelled first.
	OnDone func(saved []*Record, deleted []RecordID, err error)
}

// Database is a scope-bound handle into a record store.
type Database interface {
	// Fetch submits a fetch operation. The returned error covers
	// submission only; results arrive through the operation's callbacks.
	Fetch(ctx context.Context, op *FetchOperation) error
	// Modify submits a save/delete operation, same callback shape as Fetch.
	Modify(ctx context.Context, op *ModifyOperation) error
	// SaveZone creates the given zone. Idempotent: saving an existing zone
	// succeeds.
	SaveZone(ctx context.Context, zone ZoneID) error
}

// Store hands out scope-bound database handles.
type Store interface {
	Database(scope Scope) Database
}
