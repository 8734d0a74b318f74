package fhir

import (
	"strings"
)

// InitialVersion is the If-Match value used for resources that are being
// created.
const InitialVersion = "1"

// ParseETag extracts the version from an ETag value like W/"3" or "3".
func ParseETag(etag string) string {
	etag = strings.TrimSpace(etag)
	// Remove weak indicator
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// VersionOf returns meta.versionId of doc, falling back to etag when the
// resource carries no meta.
func VersionOf(doc Document, etag string) string {
	if v := doc.String("meta", "versionId"); v != "" {
		return v
	}
	return ParseETag(etag)
}
