package transfer

import (
	"errors"
	"fmt"

	"github.com/italolelis/recordvault/internal/recordstore"
)

// The domain error vocabulary surfaced to subscribers. Every store-layer
// failure is translated into exactly one of these kinds before it reaches a
// subscriber; backend-native codes never escape the engine boundary.
var (
	ErrNotAuthenticated   = errors.New("no authenticated principal")
	ErrUnauthorized       = errors.New("principal is not permitted to perform this operation")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrServiceUnavailable = errors.New("record store unavailable")
	ErrItemNotFound       = errors.New("item not found")
	ErrCancelled          = errors.New("transfer cancelled")
	ErrNoData             = errors.New("record holds no payload")
	ErrUnknown            = errors.New("unexpected record store failure")
)

// ZoneNotFoundError reports a save into a zone that does not exist yet. It is
// the only locally recovered failure: the upload engine creates the zone and
// retries once.
type ZoneNotFoundError struct {
	Zone recordstore.ZoneID
}

func (e *ZoneNotFoundError) Error() string {
	return fmt.Sprintf("zone %q does not exist", e.Zone.Name)
}

// DecryptionError reports a failed seal or open of the payload envelope,
// including key mismatch and tampered ciphertext.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("payload encryption envelope: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// DiskError reports a local file system failure during staging or delivery.
type DiskError struct {
	Path string
	Err  error
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("disk failure on %s: %v", e.Path, e.Err)
}

func (e *DiskError) Unwrap() error {
	return e.Err
}

// DevelopmentError signals a contract violation that is not expected in
// production, such as a single-identity fetch resolving to several records.
type DevelopmentError struct {
	Message string
}

func (e *DevelopmentError) Error() string {
	return "contract violation: " + e.Message
}

// MultiError maps each failed identity of a batch to its translated domain
// error. Single-entry batches never surface as a MultiError; the translator
// flattens them to the entry's error.
type MultiError struct {
	Errors map[recordstore.RecordID]error
}

func (e *MultiError) Error() string {
	return fmt.Sprintf("%d records failed", len(e.Errors))
}

// Translate maps a store-level failure into the domain error set. The switch
// over backend codes is exhaustive; codes without a domain counterpart fall
// back to ErrUnknown. Partial failures are decomposed per identity, and a
// partial failure with exactly one entry is flattened to that entry's
// translated error so single-item operations never surface as a one-element
// MultiError.
func Translate(err error) error {
	if err == nil {
		return nil
	}

	var serr *recordstore.Error
	if !errors.As(err, &serr) {
		return ErrUnknown
	}

	switch serr.Code {
	case recordstore.CodeNotAuthenticated:
		return ErrNotAuthenticated
	case recordstore.CodePermissionFailure:
		return ErrUnauthorized
	case recordstore.CodeNetworkUnavailable, recordstore.CodeNetworkFailure:
		return ErrNetworkUnavailable
	case recordstore.CodeServiceUnavailable, recordstore.CodeRequestRateLimited, recordstore.CodeQuotaExceeded:
		return ErrServiceUnavailable
	case recordstore.CodeUnknownItem, recordstore.CodeAssetFileNotFound:
		return ErrItemNotFound
	case recordstore.CodeAssetNotAvailable:
		return ErrNoData
	case recordstore.CodeZoneNotFound:
		return &ZoneNotFoundError{Zone: serr.Zone}
	case recordstore.CodeOperationCancelled:
		return ErrCancelled
	case recordstore.CodePartialFailure:
		return translatePartial(serr.Partial)
	case recordstore.CodeInternalError, recordstore.CodeIncompatibleVersion:
		return ErrUnknown
	}

	return ErrUnknown
}

// translatePartial decomposes a per-identity error map. Pure recursion over
// the map; no shared state.
func translatePartial(partial map[recordstore.RecordID]*recordstore.Error) error {
	switch len(partial) {
	case 0:
		return ErrUnknown
	case 1:
		for _, e := range partial {
			return Translate(e)
		}
	}

	errs := make(map[recordstore.RecordID]error, len(partial))
	for id, e := range partial {
		errs[id] = Translate(e)
	}

	return &MultiError{Errors: errs}
}
