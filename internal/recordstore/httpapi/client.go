// Package httpapi implements the record store capability over a JSON/HTTP
// record API. It is the production counterpart of the in-memory store; the
// transfer engines are wired against either through the same interfaces.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/italolelis/recordvault/internal/logctx"
	"github.com/italolelis/recordvault/internal/recordstore"
	"github.com/italolelis/recordvault/internal/transfer/progress"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm = 0o755

	// assetProgressInterval is how many asset bytes flow between progress
	// callbacks while streaming.
	assetProgressInterval = 256 * 1024
)

// Client talks to a remote record API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	scratchDir string
}

// NewClient builds a client for the record API at baseURL. Fetched asset
// bytes are materialized under scratchDir so records resolve to local byte
// sources, matching the capability contract.
func NewClient(baseURL, token, scratchDir string) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})

	return &Client{
		baseURL:    baseURL,
		httpClient: oauth2.NewClient(context.Background(), tokenSource),
		scratchDir: scratchDir,
	}
}

// Database returns the handle for scope.
func (c *Client) Database(scope recordstore.Scope) recordstore.Database {
	return &database{client: c, scope: scope}
}

type database struct {
	client *Client
	scope  recordstore.Scope
}

// wireRecord is the record representation on the wire. Asset values are URLs
// to the asset bytes.
type wireRecord struct {
	ID     string            `json:"id"`
	Ext    string            `json:"ext,omitempty"`
	Type   string            `json:"type"`
	Zone   wireZone          `json:"zone"`
	Fields map[string]any    `json:"fields,omitempty"`
	Assets map[string]string `json:"assets,omitempty"`
}

type wireZone struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

type wireError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Zone    wireZone `json:"zone"`
}

// SaveZone creates the zone through the API. The remote side is idempotent.
func (d *database) SaveZone(ctx context.Context, zone recordstore.ZoneID) error {
	if _, ok := recordstore.PrincipalFromContext(ctx); !ok {
		return recordstore.NewError(recordstore.CodeNotAuthenticated, "no signed-in principal")
	}

	body, err := json.Marshal(wireZone{Name: zone.Name, Owner: zone.Owner})
	if err != nil {
		return recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	endpoint := fmt.Sprintf("%s/v1/%s/zones", d.client.baseURL, d.scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.httpClient.Do(req)
	if err != nil {
		return &recordstore.Error{Code: recordstore.CodeNetworkFailure, Message: "save zone", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	return nil
}

// Fetch submits the fetch asynchronously; results arrive through the
// operation's callbacks.
func (d *database) Fetch(ctx context.Context, op *recordstore.FetchOperation) error {
	if _, ok := recordstore.PrincipalFromContext(ctx); !ok {
		return recordstore.NewError(recordstore.CodeNotAuthenticated, "no signed-in principal")
	}

	go d.fetch(ctx, op)

	return nil
}

func (d *database) fetch(ctx context.Context, op *recordstore.FetchOperation) {
	logger := logctx.LoggerFromContext(ctx)

	done := func(recs map[recordstore.RecordID]*recordstore.Record, err error) {
		if op.Cancelled() {
			err = recordstore.NewError(recordstore.CodeOperationCancelled, "operation cancelled")
			recs = nil
		}

		if op.OnDone != nil {
			op.OnDone(recs, err)
		}
	}

	wires, err := d.query(ctx, op)
	if err != nil {
		done(nil, err)

		return
	}

	recs := make(map[recordstore.RecordID]*recordstore.Record, len(wires))
	partial := make(map[recordstore.RecordID]*recordstore.Error)

	found := make(map[recordstore.RecordID]wireRecord, len(wires))

	for _, w := range wires {
		rec, err := decodeRecord(w)
		if err != nil {
			done(nil, recordstore.NewError(recordstore.CodeInternalError, err.Error()))

			return
		}

		found[rec.ID] = w
		recs[rec.ID] = rec
	}

	for _, id := range op.IDs {
		if _, ok := found[id]; !ok {
			partial[id] = recordstore.NewError(recordstore.CodeUnknownItem, id.Name())
		}
	}

	if len(partial) > 0 {
		for _, id := range op.IDs {
			if op.OnRecord == nil {
				break
			}

			if perr, ok := partial[id]; ok {
				op.OnRecord(id, nil, perr)
			}
		}

		done(nil, recordstore.PartialFailure(partial))

		return
	}

	// Materialize asset bytes so the records resolve to local sources.
	wg, gctx := errgroup.WithContext(ctx)

	for id, w := range found {
		assetURL, ok := w.Assets[recordstore.AssetPayload]
		if !ok {
			continue
		}

		rec := recs[id]

		wg.Go(func() error {
			path, err := d.grabAsset(gctx, op, rec, assetURL)
			if err != nil {
				return err
			}

			rec.Assets[recordstore.AssetPayload] = path

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		logger.ErrorContext(ctx, "failed to fetch assets", "err", err)

		serr, ok := err.(*recordstore.Error)
		if !ok {
			serr = &recordstore.Error{Code: recordstore.CodeNetworkFailure, Message: "fetch assets", Err: err}
		}

		done(nil, serr)

		return
	}

	for _, id := range op.IDs {
		if op.OnRecord != nil {
			op.OnRecord(id, recs[id], nil)
		}
	}

	done(recs, nil)
}

func (d *database) query(ctx context.Context, op *recordstore.FetchOperation) ([]wireRecord, error) {
	ids := make([]string, 0, len(op.IDs))
	for _, id := range op.IDs {
		ids = append(ids, id.Name())
	}

	body, err := json.Marshal(map[string]any{"type": op.RecordType, "ids": ids})
	if err != nil {
		return nil, recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	endpoint := fmt.Sprintf("%s/v1/%s/records/query", d.client.baseURL, d.scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.httpClient.Do(req)
	if err != nil {
		return nil, &recordstore.Error{Code: recordstore.CodeNetworkFailure, Message: "query records", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeError(resp)
	}

	var out struct {
		Records []wireRecord `json:"records"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	return out.Records, nil
}

// grabAsset streams one asset into the scratch directory, reporting progress
// through the operation as bytes arrive.
func (d *database) grabAsset(ctx context.Context, op *recordstore.FetchOperation, rec *recordstore.Record, assetURL string) (string, error) {
	resolved, err := d.resolveURL(assetURL)
	if err != nil {
		return "", recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return "", recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	resp, err := d.client.httpClient.Do(req)
	if err != nil {
		return "", &recordstore.Error{Code: recordstore.CodeNetworkFailure, Message: "download asset", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", decodeError(resp)
	}

	if err := os.MkdirAll(d.client.scratchDir, dirPerm); err != nil {
		return "", recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	size, _ := rec.Fields[recordstore.FieldFileSize].(int64)
	if size == 0 {
		size = resp.ContentLength
	}

	pr := progress.NewReader(resp.Body, size, assetProgressInterval, func(written, total int64) {
		if op.OnProgress == nil || op.Cancelled() || total <= 0 {
			return
		}

		op.OnProgress(rec.ID, float64(written)/float64(total))
	})

	path := filepath.Join(d.client.scratchDir, rec.ID.Name())

	out, err := os.Create(path)
	if err != nil {
		return "", recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	if _, err := io.Copy(out, pr); err != nil {
		out.Close()
		os.Remove(path)

		return "", &recordstore.Error{Code: recordstore.CodeNetworkFailure, Message: "download asset", Err: err}
	}

	if err := out.Close(); err != nil {
		return "", recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	return path, nil
}

// Modify submits the save/delete batch asynchronously.
func (d *database) Modify(ctx context.Context, op *recordstore.ModifyOperation) error {
	if _, ok := recordstore.PrincipalFromContext(ctx); !ok {
		return recordstore.NewError(recordstore.CodeNotAuthenticated, "no signed-in principal")
	}

	go d.modify(ctx, op)

	return nil
}

func (d *database) modify(ctx context.Context, op *recordstore.ModifyOperation) {
	done := func(err error) {
		if op.Cancelled() {
			err = recordstore.NewError(recordstore.CodeOperationCancelled, "operation cancelled")
		}

		if op.OnDone == nil {
			return
		}

		if err != nil {
			op.OnDone(nil, nil, err)

			return
		}

		op.OnDone(op.Save, op.Delete, nil)
	}

	partial := make(map[recordstore.RecordID]*recordstore.Error)

	for _, rec := range op.Save {
		if op.Cancelled() {
			done(nil)

			return
		}

		if err := d.saveRecord(ctx, op, rec); err != nil {
			partial[rec.ID] = err
		} else if op.OnRecord != nil {
			op.OnRecord(rec.ID, nil)
		}
	}

	for _, id := range op.Delete {
		if op.Cancelled() {
			done(nil)

			return
		}

		if err := d.deleteRecord(ctx, id); err != nil {
			partial[id] = err
		} else if op.OnRecord != nil {
			op.OnRecord(id, nil)
		}
	}

	if len(partial) > 0 {
		for id, perr := range partial {
			if op.OnRecord != nil {
				op.OnRecord(id, perr)
			}
		}

		done(recordstore.PartialFailure(partial))

		return
	}

	done(nil)
}

// saveRecord uploads one record as a multipart request: a metadata part plus
// the payload file, with per-record progress as the file streams out.
func (d *database) saveRecord(ctx context.Context, op *recordstore.ModifyOperation, rec *recordstore.Record) *recordstore.Error {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	meta, err := json.Marshal(encodeRecord(rec, op.Policy))
	if err != nil {
		return recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	if err := mw.WriteField("record", string(meta)); err != nil {
		return recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	if path, ok := rec.Assets[recordstore.AssetPayload]; ok {
		if err := d.writeAssetPart(mw, op, rec, path); err != nil {
			return err
		}
	}

	if err := mw.Close(); err != nil {
		return recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	endpoint := fmt.Sprintf("%s/v1/%s/records", d.client.baseURL, d.scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.client.httpClient.Do(req)
	if err != nil {
		return &recordstore.Error{Code: recordstore.CodeNetworkFailure, Message: "save record", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	return nil
}

func (d *database) writeAssetPart(mw *multipart.Writer, op *recordstore.ModifyOperation, rec *recordstore.Record, path string) *recordstore.Error {
	in, err := os.Open(path)
	if err != nil {
		return recordstore.NewError(recordstore.CodeAssetFileNotFound, path)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return recordstore.NewError(recordstore.CodeAssetFileNotFound, path)
	}

	part, err := mw.CreateFormFile(recordstore.AssetPayload, rec.ID.FileName())
	if err != nil {
		return recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	pr := progress.NewReader(in, info.Size(), assetProgressInterval, func(written, total int64) {
		if op.OnProgress == nil || op.Cancelled() || total <= 0 {
			return
		}

		op.OnProgress(rec, float64(written)/float64(total))
	})

	if _, err := io.Copy(part, pr); err != nil {
		return recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	return nil
}

func (d *database) deleteRecord(ctx context.Context, id recordstore.RecordID) *recordstore.Error {
	endpoint := fmt.Sprintf("%s/v1/%s/records/%s", d.client.baseURL, d.scope, url.PathEscape(id.Name()))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return recordstore.NewError(recordstore.CodeInternalError, err.Error())
	}

	resp, err := d.client.httpClient.Do(req)
	if err != nil {
		return &recordstore.Error{Code: recordstore.CodeNetworkFailure, Message: "delete record", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	return nil
}

func (d *database) resolveURL(assetURL string) (string, error) {
	u, err := url.Parse(assetURL)
	if err != nil {
		return "", err
	}

	if u.IsAbs() {
		return assetURL, nil
	}

	base, err := url.Parse(d.client.baseURL)
	if err != nil {
		return "", err
	}

	return base.ResolveReference(u).String(), nil
}

func encodeRecord(rec *recordstore.Record, policy recordstore.SavePolicy) wireRecord {
	w := wireRecord{
		ID:     rec.ID.Name(),
		Ext:    rec.ID.Ext,
		Type:   rec.Type,
		Zone:   wireZone{Name: rec.Zone.Name, Owner: rec.Zone.Owner},
		Fields: make(map[string]any, len(rec.Fields)+1),
	}

	for k, v := range rec.Fields {
		w.Fields[k] = v
	}

	if policy == recordstore.SaveOverwrite {
		w.Fields["_overwrite"] = true
	}

	return w
}

func decodeRecord(w wireRecord) (*recordstore.Record, error) {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid record id %q: %w", w.ID, err)
	}

	rec := recordstore.NewRecord(
		recordstore.RecordID{UUID: id, Ext: w.Ext},
		w.Type,
		recordstore.ZoneID{Name: w.Zone.Name, Owner: w.Zone.Owner},
	)

	for k, v := range w.Fields {
		// JSON numbers arrive as float64; the engines expect int64 sizes.
		if k == recordstore.FieldFileSize {
			if f, ok := v.(float64); ok {
				rec.Fields[k] = int64(f)

				continue
			}
		}

		rec.Fields[k] = v
	}

	for k, v := range w.Assets {
		rec.Assets[k] = v
	}

	return rec, nil
}

// decodeError maps an API failure response to the store error vocabulary,
// preferring the body's error code over the HTTP status.
func decodeError(resp *http.Response) *recordstore.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var werr wireError
	if err := json.Unmarshal(body, &werr); err == nil && werr.Code != "" {
		serr := &recordstore.Error{Code: codeFromWire(werr.Code), Message: werr.Message}
		if serr.Code == recordstore.CodeZoneNotFound {
			serr.Zone = recordstore.ZoneID{Name: werr.Zone.Name, Owner: werr.Zone.Owner}
		}

		return serr
	}

	return &recordstore.Error{Code: codeFromStatus(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
}

func codeFromWire(code string) recordstore.Code {
	switch code {
	case "NOT_AUTHENTICATED":
		return recordstore.CodeNotAuthenticated
	case "PERMISSION_FAILURE":
		return recordstore.CodePermissionFailure
	case "ZONE_NOT_FOUND":
		return recordstore.CodeZoneNotFound
	case "UNKNOWN_ITEM":
		return recordstore.CodeUnknownItem
	case "QUOTA_EXCEEDED":
		return recordstore.CodeQuotaExceeded
	case "RATE_LIMITED":
		return recordstore.CodeRequestRateLimited
	case "SERVICE_UNAVAILABLE":
		return recordstore.CodeServiceUnavailable
	}

	return recordstore.CodeInternalError
}

func codeFromStatus(status int) recordstore.Code {
	switch status {
	case http.StatusUnauthorized:
		return recordstore.CodeNotAuthenticated
	case http.StatusForbidden:
		return recordstore.CodePermissionFailure
	case http.StatusNotFound:
		return recordstore.CodeUnknownItem
	case http.StatusTooManyRequests:
		return recordstore.CodeRequestRateLimited
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return recordstore.CodeServiceUnavailable
	}

	return recordstore.CodeInternalError
}
