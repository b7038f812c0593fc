package attachment

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// DefaultMaxBytes is the decoded-size ceiling for inline attachments.
const DefaultMaxBytes = 25 * 1024 * 1024

var base64Body = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// DecodeBase64 strips an optional data-URI prefix, validates the base64
// body, enforces the decoded-size limit before decoding, and returns the
// raw bytes plus any MIME type carried by the data URI.
func DecodeBase64(data string, maxBytes int64) (body []byte, dataURIMime string, err error) {
	payload := data
	if strings.HasPrefix(payload, "data:") {
		meta, rest, found := strings.Cut(payload[len("data:"):], ",")
		if !found {
			return nil, "", invalidf("malformed data URI")
		}
		meta, isBase64 := strings.CutSuffix(meta, ";base64")
		if !isBase64 {
			return nil, "", invalidf("data URI must be base64-encoded")
		}
		dataURIMime = meta
		payload = rest
	}

	if payload == "" {
		return nil, "", invalidf("empty base64 payload")
	}
	if !base64Body.MatchString(payload) {
		return nil, "", invalidf("payload is not valid base64")
	}

	if decodedSize(payload) > maxBytes {
		return nil, "", invalidf("attachment exceeds the %d byte limit", maxBytes)
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", invalidf("payload is not valid base64")
	}
	return decoded, dataURIMime, nil
}

// decodedSize computes the exact decoded length of a padded base64 string
// without decoding it.
func decodedSize(payload string) int64 {
	n := int64(len(payload)) * 3 / 4
	if strings.HasSuffix(payload, "==") {
		return n - 2
	}
	if strings.HasSuffix(payload, "=") {
		return n - 1
	}
	return n
}
