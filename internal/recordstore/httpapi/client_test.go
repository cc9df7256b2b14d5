package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/recordvault/internal/recordstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authedCtx() context.Context {
	return recordstore.WithPrincipal(context.Background(), recordstore.Principal{UserID: "alice"})
}

func waitFetch(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for operation callback")

		return nil
	}
}

func TestSaveZone_SendsBearerToken(t *testing.T) {
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/private/zones", r.URL.Path)

		var zone wireZone
		require.NoError(t, json.NewDecoder(r.Body).Decode(&zone))
		assert.Equal(t, "payloads", zone.Name)

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", t.TempDir())
	db := client.Database(recordstore.ScopePrivate)

	err := db.SaveZone(authedCtx(), recordstore.ZoneID{Name: "payloads", Owner: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestSaveZone_RequiresPrincipal(t *testing.T) {
	client := NewClient("http://unused", "test-token", t.TempDir())
	db := client.Database(recordstore.ScopePrivate)

	err := db.SaveZone(context.Background(), recordstore.ZoneID{Name: "payloads"})

	var serr *recordstore.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, recordstore.CodeNotAuthenticated, serr.Code)
}

func TestFetch_MaterializesAssets(t *testing.T) {
	id := recordstore.NewRecordID("bin")
	payload := []byte("remote asset bytes")

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/private/records/query", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"records": []wireRecord{{
				ID:     id.Name(),
				Ext:    id.Ext,
				Type:   "item",
				Zone:   wireZone{Name: "payloads", Owner: "alice"},
				Fields: map[string]any{recordstore.FieldFileSize: len(payload)},
				Assets: map[string]string{recordstore.AssetPayload: "/assets/" + id.Name()},
			}},
		})
	})
	mux.HandleFunc("/assets/"+id.Name(), func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	scratch := t.TempDir()
	client := NewClient(srv.URL, "test-token", scratch)
	db := client.Database(recordstore.ScopePrivate)

	done := make(chan error, 1)

	var fetched map[recordstore.RecordID]*recordstore.Record

	op := recordstore.NewFetchOperation("item", id)
	op.OnDone = func(recs map[recordstore.RecordID]*recordstore.Record, err error) {
		fetched = recs
		done <- err
	}

	require.NoError(t, db.Fetch(authedCtx(), op))
	require.NoError(t, waitFetch(t, done))

	require.Len(t, fetched, 1)
	rec := fetched[id]
	require.NotNil(t, rec)

	// fileSize arrives as a JSON number and must come back as int64.
	assert.Equal(t, int64(len(payload)), rec.Fields[recordstore.FieldFileSize])

	path := rec.Assets[recordstore.AssetPayload]
	assert.Equal(t, filepath.Join(scratch, id.Name()), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetch_MissingIdentityIsPartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"records": []wireRecord{}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", t.TempDir())
	db := client.Database(recordstore.ScopePrivate)

	id := recordstore.NewRecordID("bin")
	done := make(chan error, 1)

	op := recordstore.NewFetchOperation("item", id)
	op.OnDone = func(_ map[recordstore.RecordID]*recordstore.Record, err error) {
		done <- err
	}

	require.NoError(t, db.Fetch(authedCtx(), op))
	err := waitFetch(t, done)

	var serr *recordstore.Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, recordstore.CodePartialFailure, serr.Code)
	require.Contains(t, serr.Partial, id)
	assert.Equal(t, recordstore.CodeUnknownItem, serr.Partial[id].Code)
}

func TestModify_SaveSendsMultipart(t *testing.T) {
	received := make(chan wireRecord, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/private/records", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		var rec wireRecord
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("record")), &rec))
		received <- rec

		file, _, err := r.FormFile(recordstore.AssetPayload)
		require.NoError(t, err)
		file.Close()

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", t.TempDir())
	db := client.Database(recordstore.ScopePrivate)

	staged := filepath.Join(t.TempDir(), "staged.bin")
	require.NoError(t, os.WriteFile(staged, []byte("payload"), 0o644))

	rec := recordstore.NewRecord(recordstore.NewRecordID("bin"), "item", recordstore.ZoneID{Name: "payloads", Owner: "alice"})
	rec.Assets[recordstore.AssetPayload] = staged

	done := make(chan error, 1)

	op := &recordstore.ModifyOperation{
		Save:   []*recordstore.Record{rec},
		Policy: recordstore.SaveOverwrite,
		OnDone: func(_ []*recordstore.Record, _ []recordstore.RecordID, err error) {
			done <- err
		},
	}

	require.NoError(t, db.Modify(authedCtx(), op))
	require.NoError(t, waitFetch(t, done))

	wire := <-received
	assert.Equal(t, rec.ID.Name(), wire.ID)
	assert.Equal(t, "item", wire.Type)
	assert.Equal(t, true, wire.Fields["_overwrite"])
}

func TestModify_DeleteAgainstMissingRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(wireError{Code: "UNKNOWN_ITEM", Message: "no such record"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", t.TempDir())
	db := client.Database(recordstore.ScopePrivate)

	id := recordstore.NewRecordID("bin")
	done := make(chan error, 1)

	op := &recordstore.ModifyOperation{
		Delete: []recordstore.RecordID{id},
		OnDone: func(_ []*recordstore.Record, _ []recordstore.RecordID, err error) {
			done <- err
		},
	}

	require.NoError(t, db.Modify(authedCtx(), op))
	err := waitFetch(t, done)

	var serr *recordstore.Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, recordstore.CodePartialFailure, serr.Code)
	require.Contains(t, serr.Partial, id)
	assert.Equal(t, recordstore.CodeUnknownItem, serr.Partial[id].Code)
}

func TestDecodeError_PrefersBodyCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(wireError{
			Code:    "ZONE_NOT_FOUND",
			Message: "zone does not exist",
			Zone:    wireZone{Name: "payloads", Owner: "alice"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", t.TempDir())
	db := client.Database(recordstore.ScopePrivate)

	err := db.SaveZone(authedCtx(), recordstore.ZoneID{Name: "payloads", Owner: "alice"})

	var serr *recordstore.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, recordstore.CodeZoneNotFound, serr.Code)
	assert.Equal(t, "payloads", serr.Zone.Name)
}

func TestDecodeError_FallsBackToStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   recordstore.Code
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: recordstore.CodeNotAuthenticated},
		{name: "forbidden", status: http.StatusForbidden, want: recordstore.CodePermissionFailure},
		{name: "not found", status: http.StatusNotFound, want: recordstore.CodeUnknownItem},
		{name: "rate limited", status: http.StatusTooManyRequests, want: recordstore.CodeRequestRateLimited},
		{name: "bad gateway", status: http.StatusBadGateway, want: recordstore.CodeServiceUnavailable},
		{name: "teapot", status: http.StatusTeapot, want: recordstore.CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := NewClient(srv.URL, "test-token", t.TempDir())
			db := client.Database(recordstore.ScopePrivate)

			err := db.SaveZone(authedCtx(), recordstore.ZoneID{Name: "payloads"})

			var serr *recordstore.Error
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.want, serr.Code)
		})
	}
}
