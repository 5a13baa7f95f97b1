package model

import (
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/cespare/xxhash"
	"github.com/google/uuid"
)

func CreateID() string {
	id, _ := uuid.NewRandom()
	return base58.Encode(id[:])
}

// DedupeKey is a short stable key for a job, derived from its identifying
// parts.
func DedupeKey(parts ...string) string {
	h := xxhash.New()
	h.Write([]byte(strings.Join(parts, "\x00")))
	return base58.Encode(h.Sum(nil))
}
