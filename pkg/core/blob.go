package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

const (
	blobTypeKey   = "@type"
	blobTypeValue = "blob"
)

// Blob references binary content kept in the database's blob storage. It is
// embedded in document properties as a mapping.
type Blob struct {
	Digest      string `json:"digest"`
	Length      int64  `json:"length"`
	ContentType string `json:"content_type,omitempty"`
}

// BlobDigest returns the digest blob storage uses for data.
func BlobDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256-" + hex.EncodeToString(sum[:])
}

// Value returns the property value that embeds b in a document.
func (b *Blob) Value() map[string]any {
	m := map[string]any{
		blobTypeKey: blobTypeValue,
		"digest":    b.Digest,
		"length":    float64(b.Length),
	}
	if b.ContentType != "" {
		m["content_type"] = b.ContentType
	}
	return m
}

// BlobFromValue extracts a Blob from a property value.
func BlobFromValue(v any) (*Blob, bool) {
	m, ok := asMap(v)
	if !ok || m[blobTypeKey] != blobTypeValue {
		return nil, false
	}
	digest, _ := m["digest"].(string)
	if digest == "" {
		return nil, false
	}
	b := &Blob{Digest: digest}
	switch n := m["length"].(type) {
	case float64:
		b.Length = int64(n)
	case int64:
		b.Length = n
	case int:
		b.Length = int64(n)
	}
	b.ContentType, _ = m["content_type"].(string)
	return b, true
}

// BlobDigests returns the sorted, distinct digests referenced anywhere in p.
func BlobDigests(p Properties) []string {
	seen := make(map[string]bool)
	var walk func(v any)
	walk = func(v any) {
		if b, ok := BlobFromValue(v); ok {
			seen[b.Digest] = true
			return
		}
		if m, ok := asMap(v); ok {
			for _, vv := range m {
				walk(vv)
			}
			return
		}
		if s, ok := v.([]any); ok {
			for _, vv := range s {
				walk(vv)
			}
		}
	}
	walk(map[string]any(p))

	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Properties:
		return m, true
	}
	return nil, false
}
