package models

import "time"

// RawResponse is the opaque payload captured once per upstream call,
// addressed by a content hash. The same hash from the same source is
// stored only once (idempotent insert, keyed on ContentHash).
type RawResponse struct {
	ID          string
	SourceID    string
	ContentHash string
	Payload     []byte
	Endpoint    string
	CallType    string // "list", "detail", or "single"
	ItemCount   int
	CapturedAt  time.Time
}
