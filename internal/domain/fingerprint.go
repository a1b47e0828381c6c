package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// fingerprintLen is the number of hex characters kept from the SHA-256 digest.
const fingerprintLen = 10

// CollectionPrefix prefixes every collection fingerprint.
const CollectionPrefix = "idx_"

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:fingerprintLen]
}

// DocFingerprint returns the stable document id for a source URL.
func DocFingerprint(url string) string {
	return shortHash(url)
}

// CollectionFingerprint names the collection for a set of document URLs.
// The result does not depend on the order of urls.
func CollectionFingerprint(urls []string) string {
	sorted := append([]string(nil), urls...)
	sort.Strings(sorted)
	return CollectionPrefix + shortHash(strings.Join(sorted, "|"))
}

// ContentHash fingerprints chunk text so a changed document is re-embedded
// even when its chunk ids are unchanged.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:8])
}

// ChunkID derives the id of the index-th chunk of a document.
func ChunkID(docID string, index int) string {
	return fmt.Sprintf("%s_%04d", docID, index)
}

// DedupeURLs trims urls, drops empty entries and keeps the first occurrence of each.
func DedupeURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
