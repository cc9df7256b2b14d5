package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/italolelis/recordvault/internal/recordstore"
	"github.com/italolelis/recordvault/internal/recordstore/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uploadPayload runs a full upload so the store holds the payload the way
// production writes it.
func uploadPayload(t *testing.T, db *memstore.Database, id recordstore.RecordID, payload, key []byte) {
	t.Helper()

	ctx := authedCtx()
	require.NoError(t, db.SaveZone(ctx, testZone))

	item := &BytesItem{RecordID: id, Type: "item", Data: payload}
	engine := NewUploadEngine(db, testZone, item, key, t.TempDir())

	_, terminal := collectEvents(t, engine.Subscribe(ctx))
	require.NoError(t, terminal.Err)
}

func TestDownload_RoundTrip(t *testing.T) {
	db := newTestDatabase(t)
	id := recordstore.NewRecordID("bin")
	payload := []byte("the quick brown fox")

	uploadPayload(t, db, id, payload, nil)

	dest := filepath.Join(t.TempDir(), "out.bin")
	engine := NewDownloadEngine(db, id, "item", dest, nil)

	progress, terminal := collectEvents(t, engine.Subscribe(authedCtx()))

	require.NoError(t, terminal.Err)
	assert.InDelta(t, 1.0, terminal.Progress.Fraction(), 1e-9)
	require.NotEmpty(t, progress)
	assertMonotonic(t, progress)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownload_EncryptedRoundTrip(t *testing.T) {
	db := newTestDatabase(t)
	id := recordstore.NewRecordID("bin")
	payload := []byte("sealed payload bytes")
	key := newTestKey(t)

	uploadPayload(t, db, id, payload, key)

	dest := filepath.Join(t.TempDir(), "out.bin")
	engine := NewDownloadEngine(db, id, "item", dest, key)

	_, terminal := collectEvents(t, engine.Subscribe(authedCtx()))

	require.NoError(t, terminal.Err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownload_WrongKey(t *testing.T) {
	db := newTestDatabase(t)
	id := recordstore.NewRecordID("bin")

	uploadPayload(t, db, id, []byte("sealed payload bytes"), newTestKey(t))

	dest := filepath.Join(t.TempDir(), "out.bin")
	engine := NewDownloadEngine(db, id, "item", dest, newTestKey(t))

	_, terminal := collectEvents(t, engine.Subscribe(authedCtx()))

	var derr *DecryptionError
	require.ErrorAs(t, terminal.Err, &derr)

	// Delivery is atomic: a failed download leaves no destination file.
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_SealedWithoutKey(t *testing.T) {
	db := newTestDatabase(t)
	id := recordstore.NewRecordID("bin")

	uploadPayload(t, db, id, []byte("sealed payload bytes"), newTestKey(t))

	dest := filepath.Join(t.TempDir(), "out.bin")
	engine := NewDownloadEngine(db, id, "item", dest, nil)

	_, terminal := collectEvents(t, engine.Subscribe(authedCtx()))

	// Delivering ciphertext as if it were the payload would be a silent
	// corruption; the engine must refuse.
	var derr *DecryptionError
	require.ErrorAs(t, terminal.Err, &derr)

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_DirectoryDestination(t *testing.T) {
	db := newTestDatabase(t)
	id := recordstore.NewRecordID("bin")
	payload := []byte("payload")

	uploadPayload(t, db, id, payload, nil)

	destDir := t.TempDir()
	engine := NewDownloadEngine(db, id, "item", destDir, nil)

	_, terminal := collectEvents(t, engine.Subscribe(authedCtx()))
	require.NoError(t, terminal.Err)

	got, err := os.ReadFile(filepath.Join(destDir, id.FileName()))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownload_ReplacesExistingDestination(t *testing.T) {
	db := newTestDatabase(t)
	id := recordstore.NewRecordID("bin")
	payload := []byte("fresh content")

	uploadPayload(t, db, id, payload, nil)

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(dest, []byte("stale content"), 0o644))

	engine := NewDownloadEngine(db, id, "item", dest, nil)

	_, terminal := collectEvents(t, engine.Subscribe(authedCtx()))
	require.NoError(t, terminal.Err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownload_UnknownRecord(t *testing.T) {
	db := newTestDatabase(t)

	dest := filepath.Join(t.TempDir(), "out.bin")
	engine := NewDownloadEngine(db, recordstore.NewRecordID("bin"), "item", dest, nil)

	_, terminal := collectEvents(t, engine.Subscribe(authedCtx()))

	assert.ErrorIs(t, terminal.Err, ErrItemNotFound)
}

func TestDownload_NotAuthenticated(t *testing.T) {
	db := newTestDatabase(t)

	engine := NewDownloadEngine(db, recordstore.NewRecordID("bin"), "item", t.TempDir(), nil)

	progress, terminal := collectEvents(t, engine.Subscribe(context.Background()))

	assert.Empty(t, progress)
	assert.ErrorIs(t, terminal.Err, ErrNotAuthenticated)
}

func TestDownload_Cancel(t *testing.T) {
	db := newTestDatabase(t)
	id := recordstore.NewRecordID("bin")

	uploadPayload(t, db, id, []byte("payload"), nil)

	engine := NewDownloadEngine(db, id, "item", t.TempDir(), nil)

	events := engine.Subscribe(authedCtx())
	engine.Cancel()

	_, terminal := collectEvents(t, events)
	assert.ErrorIs(t, terminal.Err, ErrCancelled)
}
