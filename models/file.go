package models

import (
	"time"

	"github.com/google/uuid"
)

// Kinds of staged attachments.
const (
	FileKindDocumento = "documento"
	FileKindSentencia = "sentencia"
)

// File represents an uploaded document staged for chat turns
type File struct {
	ID          uuid.UUID  `json:"id"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	Filename    string     `json:"filename"`
	MimeType    string     `json:"mime_type"`
	Size        int64      `json:"size"`
	StoragePath string     `json:"storage_path"`
	Kind        string     `json:"kind"`
	CreatedAt   time.Time  `json:"created_at"`
}
