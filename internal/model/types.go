package model

import "github.com/google/uuid"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// NewID returns a fresh record identifier with a readable kind prefix.
func NewID(kind string) string {
	return kind + "-" + uuid.NewString()
}
