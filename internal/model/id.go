package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. Used both for job IDs and for the
// correlation tokens sent across the sandbox boundary; ULIDs are unique for
// the process lifetime and are never reused.
func NewID() string {
	return ulid.Make().String()
}
