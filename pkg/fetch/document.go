package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"time"
)

// Request describes one document fetch. URL and Source are required; a
// non-nil Form turns the request into a POST with a form-encoded body.
type Request struct {
	Source     string
	DocumentID string
	URL        string
	Method     string
	Form       url.Values
	Header     http.Header
	RefDate    time.Time
}

func (r Request) method() string {
	if r.Method != "" {
		return r.Method
	}
	if r.Form != nil {
		return http.MethodPost
	}
	return http.MethodGet
}

// RawDocument is a fetched payload plus the provenance needed downstream:
// the content fingerprint for change detection and the server validators
// observed on the response.
type RawDocument struct {
	Source       string
	DocumentID   string
	RefDate      time.Time
	FetchedAt    time.Time
	Payload      []byte
	Fingerprint  string
	ETag         string
	LastModified string
}

// Fingerprint returns the hex-encoded SHA-256 of the payload. The same
// function is used on fetch and on artifact publication so the two hashes
// are directly comparable.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
