package transfer

import (
	"fmt"
	"os"

	"github.com/italolelis/recordvault/internal/recordstore"
)

// Item is the uploadable unit: a byte payload plus its remote identity.
type Item interface {
	ID() recordstore.RecordID
	RecordType() string
	Payload() ([]byte, error)
}

// BytesItem is an in-memory item.
type BytesItem struct {
	RecordID recordstore.RecordID
	Type     string
	Data     []byte
}

func (i *BytesItem) ID() recordstore.RecordID { return i.RecordID }
func (i *BytesItem) RecordType() string       { return i.Type }
func (i *BytesItem) Payload() ([]byte, error) { return i.Data, nil }

// FileItem reads its payload from a local file at upload time.
type FileItem struct {
	RecordID recordstore.RecordID
	Type     string
	Path     string
}

func (i *FileItem) ID() recordstore.RecordID { return i.RecordID }
func (i *FileItem) RecordType() string       { return i.Type }

func (i *FileItem) Payload() ([]byte, error) {
	data, err := os.ReadFile(i.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read item payload: %w", err)
	}

	return data, nil
}
