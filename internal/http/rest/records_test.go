package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/recordvault/internal/recordstore"
	"github.com/italolelis/recordvault/internal/recordstore/memstore"
	"github.com/italolelis/recordvault/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser = "tester"
	testPass = "secret"
)

var testZone = recordstore.ZoneID{Name: "payloads", Owner: "tester"}

// memJournal is an in-memory storage.Journal for handler tests.
type memJournal struct {
	mu      sync.Mutex
	records []storage.TransferRecord
}

func (j *memJournal) TrackTransfer(rec storage.TransferRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.records = append(j.records, rec)

	return nil
}

func (j *memJournal) GetTransfers() ([]storage.TransferRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]storage.TransferRecord, len(j.records))
	copy(out, j.records)

	return out, nil
}

func (j *memJournal) GetFailedUploads() ([]storage.TransferRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []storage.TransferRecord

	for _, rec := range j.records {
		if rec.Direction == "upload" && rec.Status == "failed" {
			out = append(out, rec)
		}
	}

	return out, nil
}

func newTestHandler(t *testing.T) (*RecordsHandler, *memJournal) {
	t.Helper()

	store := memstore.New(20*time.Millisecond, t.TempDir())
	t.Cleanup(store.Close)

	journal := &memJournal{}

	handler := NewRecordsHandler(
		testUser, testPass,
		store.Database(recordstore.ScopePrivate), testZone,
		t.TempDir(), t.TempDir(),
		nil,
		journal, nil, nil,
	)

	return handler, journal
}

func doRequest(t *testing.T, h *RecordsHandler, method, path string, body []byte, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if authed {
		req.SetBasicAuth(testUser, testPass)
	}

	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)

	return rr
}

func TestRecords_UploadDownloadRoundTrip(t *testing.T) {
	handler, journal := newTestHandler(t)

	id := recordstore.NewRecordID("bin")
	payload := []byte("opaque payload bytes")

	rr := doRequest(t, handler, http.MethodPut, "/records/"+id.FileName(), payload, true)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doRequest(t, handler, http.MethodGet, "/records/"+id.FileName(), nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, payload, rr.Body.Bytes())

	transfers, err := journal.GetTransfers()
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, "upload", transfers[0].Direction)
	assert.Equal(t, "finished", transfers[0].Status)
	assert.Equal(t, "download", transfers[1].Direction)
}

func TestRecords_RequiresAuth(t *testing.T) {
	handler, _ := newTestHandler(t)

	rr := doRequest(t, handler, http.MethodGet, "/transfers", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/transfers", nil)
	req.SetBasicAuth(testUser, "wrong")

	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecords_DownloadMissing(t *testing.T) {
	handler, journal := newTestHandler(t)

	id := recordstore.NewRecordID("bin")

	rr := doRequest(t, handler, http.MethodGet, "/records/"+id.FileName(), nil, true)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	transfers, err := journal.GetTransfers()
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, "failed", transfers[0].Status)
}

func TestRecords_InvalidID(t *testing.T) {
	handler, _ := newTestHandler(t)

	rr := doRequest(t, handler, http.MethodGet, "/records/not-a-uuid", nil, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRecords_Delete(t *testing.T) {
	handler, _ := newTestHandler(t)

	id := recordstore.NewRecordID("bin")

	rr := doRequest(t, handler, http.MethodPut, "/records/"+id.FileName(), []byte("payload"), true)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doRequest(t, handler, http.MethodDelete, "/records/"+id.FileName(), nil, true)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	// Deleting again is a failure, not an idempotent success.
	rr = doRequest(t, handler, http.MethodDelete, "/records/"+id.FileName(), nil, true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRecords_ListTransfers(t *testing.T) {
	handler, journal := newTestHandler(t)

	require.NoError(t, journal.TrackTransfer(storage.TransferRecord{
		RecordID: "aaa", Direction: "upload", Status: "failed",
	}))

	rr := doRequest(t, handler, http.MethodGet, "/transfers", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Transfers []storage.TransferRecord `json:"transfers"`
	}

	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Transfers, 1)
	assert.Equal(t, "aaa", body.Transfers[0].RecordID)

	rr = doRequest(t, handler, http.MethodGet, "/transfers/failed", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
}
