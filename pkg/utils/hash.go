package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// ContentID derives a stable identifier from a source id and an ordinal so
// re-ingesting the same source overwrites instead of duplicating.
func ContentID(sourceID string, ordinal int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", sourceID, ordinal)))
	return fmt.Sprintf("%x", sum[:16])
}

// TextKey is the cache key used for embeddings of arbitrary text.
func TextKey(provider, model, text string) string {
	return HashString(provider + "|" + model + "|" + text)
}
