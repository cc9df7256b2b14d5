// Package rest exposes the transfer engines over a small JSON/HTTP facade.
// Each request runs one engine subscription to its terminal event, journals
// the outcome and maps the terminal error to an HTTP status.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/recordvault/internal/logctx"
	"github.com/italolelis/recordvault/internal/notifier"
	"github.com/italolelis/recordvault/internal/recordstore"
	"github.com/italolelis/recordvault/internal/storage"
	"github.com/italolelis/recordvault/internal/telemetry"
	"github.com/italolelis/recordvault/internal/transfer"
)

// maxPayloadSize bounds an uploaded payload read into memory.
const maxPayloadSize = 512 * 1024 * 1024 // 512MB

const defaultRecordType = "item"

// RecordsHandler serves upload, download and delete requests against one
// store database.
type RecordsHandler struct {
	username   string
	password   string
	db         recordstore.Database
	zone       recordstore.ZoneID
	cacheDir   string
	stagingDir string
	key        []byte
	journal    storage.Journal
	notifier   notifier.Notifier
	telemetry  *telemetry.Telemetry
}

// NewRecordsHandler creates the records facade. key may be nil to transfer
// payloads unsealed; notifier may be nil to disable failure notifications.
func NewRecordsHandler(
	username, password string,
	db recordstore.Database,
	zone recordstore.ZoneID,
	cacheDir, stagingDir string,
	key []byte,
	journal storage.Journal,
	n notifier.Notifier,
	t *telemetry.Telemetry,
) *RecordsHandler {
	return &RecordsHandler{
		username:   username,
		password:   password,
		db:         db,
		zone:       zone,
		cacheDir:   cacheDir,
		stagingDir: stagingDir,
		key:        key,
		journal:    journal,
		notifier:   n,
		telemetry:  t,
	}
}

func (h *RecordsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Put("/records/{id}", h.HandleUpload)
	r.Get("/records/{id}", h.HandleDownload)
	r.Delete("/records/{id}", h.HandleDelete)
	r.Get("/transfers", h.HandleTransfers)
	r.Get("/transfers/failed", h.HandleFailedUploads)

	return r
}

// basicAuthMiddleware authenticates the caller and threads the resulting
// principal through the request context. Store submissions made without one
// fail closed, so this is the only place identity enters the system.
func (h *RecordsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		ctx := recordstore.WithPrincipal(r.Context(), recordstore.Principal{UserID: username})

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandleUpload stores the request body as the payload of the identified
// record. The response is written only after the terminal event.
func (h *RecordsHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	id, err := recordstore.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize+1))
	if err != nil {
		logger.Error("failed to read payload", "err", err)
		http.Error(w, "failed to read payload", http.StatusBadRequest)

		return
	}

	if len(payload) > maxPayloadSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)

		return
	}

	recordType := r.URL.Query().Get("type")
	if recordType == "" {
		recordType = defaultRecordType
	}

	item := &transfer.BytesItem{RecordID: id, Type: recordType, Data: payload}
	engine := transfer.NewUploadEngine(h.db, h.zone, item, h.key, h.stagingDir)

	terminalErr := h.telemetry.InstrumentTransfer(ctx, "upload", int64(len(payload)), func(ctx context.Context) error {
		return drain(engine.Subscribe(ctx))
	})

	h.journalOutcome(ctx, id, "upload", int64(len(payload)), terminalErr)

	if terminalErr != nil {
		writeDomainError(w, logger, terminalErr)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": id.Name(), "status": "finished"})
}

// HandleDownload fetches the identified record into the local cache and
// serves its payload.
func (h *RecordsHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	id, err := recordstore.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	recordType := r.URL.Query().Get("type")
	if recordType == "" {
		recordType = defaultRecordType
	}

	if err := os.MkdirAll(h.cacheDir, 0o755); err != nil {
		logger.Error("failed to create cache dir", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	engine := transfer.NewDownloadEngine(h.db, id, recordType, h.cacheDir, h.key)

	terminalErr := h.telemetry.InstrumentTransfer(ctx, "download", 0, func(ctx context.Context) error {
		return drain(engine.Subscribe(ctx))
	})

	dest := filepath.Join(h.cacheDir, id.FileName())

	var size int64
	if info, statErr := os.Stat(dest); statErr == nil {
		size = info.Size()
	}

	h.journalOutcome(ctx, id, "download", size, terminalErr)

	if terminalErr != nil {
		writeDomainError(w, logger, terminalErr)

		return
	}

	http.ServeFile(w, r, dest)
}

// HandleDelete removes the identified record from the store.
func (h *RecordsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	id, err := recordstore.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	engine := transfer.NewDeleteEngine(h.db, id)

	terminalErr := h.telemetry.InstrumentTransfer(ctx, "delete", 0, func(ctx context.Context) error {
		return drain(engine.Subscribe(ctx))
	})

	h.journalOutcome(ctx, id, "delete", 0, terminalErr)

	if terminalErr != nil {
		writeDomainError(w, logger, terminalErr)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleTransfers lists the journaled transfer outcomes, newest first.
func (h *RecordsHandler) HandleTransfers(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	transfers, err := h.journal.GetTransfers()
	if err != nil {
		logger.Error("failed to read journal", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"transfers": transfers})
}

// HandleFailedUploads lists journaled uploads that ended in failure.
func (h *RecordsHandler) HandleFailedUploads(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	transfers, err := h.journal.GetFailedUploads()
	if err != nil {
		logger.Error("failed to read journal", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"transfers": transfers})
}

// drain consumes an engine subscription until the terminal event and returns
// its error.
func drain(events <-chan transfer.Event) error {
	for ev := range events {
		if ev.Terminal {
			return ev.Err
		}
	}

	return transfer.ErrUnknown
}

// journalOutcome appends the terminal outcome and notifies on failure.
// Journal and notifier failures are logged, never surfaced to the caller.
func (h *RecordsHandler) journalOutcome(ctx context.Context, id recordstore.RecordID, direction string, bytes int64, terminalErr error) {
	logger := logctx.LoggerFromContext(ctx)

	status := "finished"
	if terminalErr != nil {
		status = "failed"
	}

	err := h.journal.TrackTransfer(storage.TransferRecord{
		RecordID:  id.Name(),
		Direction: direction,
		Status:    status,
		Bytes:     bytes,
	})
	if err != nil {
		logger.Error("failed to journal transfer", "record_id", id.Name(), "err", err)
	}

	if terminalErr == nil || h.notifier == nil {
		return
	}

	msg := fmt.Sprintf("%s of %s failed: %v", direction, id.Name(), terminalErr)
	if err := h.notifier.Notify(msg); err != nil {
		logger.Error("failed to notify", "err", err)
	}
}

// writeDomainError maps a terminal transfer error to an HTTP status.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("transfer failed", "err", err)

	var zerr *transfer.ZoneNotFoundError

	var derr *transfer.DecryptionError

	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, transfer.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, transfer.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, transfer.ErrItemNotFound), errors.Is(err, transfer.ErrNoData), errors.As(err, &zerr):
		status = http.StatusNotFound
	case errors.Is(err, transfer.ErrNetworkUnavailable), errors.Is(err, transfer.ErrServiceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, transfer.ErrCancelled):
		status = http.StatusConflict
	case errors.As(err, &derr):
		status = http.StatusUnprocessableEntity
	}

	http.Error(w, err.Error(), status)
}
