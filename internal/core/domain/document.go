package domain

import (
	"encoding/json"
	"time"
)

// Well-known collections of the backing application.
const (
	CollectionProfiles = "profiles"
	CollectionSettings = "settings"
	CollectionAvatars  = "avatars"
)

// CollectionKind distinguishes document collections from blob collections.
type CollectionKind string

const (
	CollectionKindDocument CollectionKind = "document"
	CollectionKindBlob     CollectionKind = "blob"
)

// Document is the local cache of a remote document, keyed by
// (Collection, DocID) and versioned by the server-assigned Revision.
type Document struct {
	Collection string          `db:"collection"`
	DocID      string          `db:"doc_id"`
	Revision   string          `db:"revision"`
	Data       json.RawMessage `db:"data"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// BlobPayload is the payload shape for mutations in blob collections.
type BlobPayload struct {
	ContentType string `json:"content_type"`
	DataBase64  string `json:"data_base64"`
}
