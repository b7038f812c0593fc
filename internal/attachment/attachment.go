// Package attachment is the sole place attachment inputs are validated and
// fetched. URL inputs pass an SSRF gate (hostname blocklist, private and
// link-local ranges, cloud metadata endpoints, resolved-IP check) before
// any byte is downloaded; base64 inputs are size- and format-checked before
// decoding.
package attachment

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid marks an attachment that failed validation. Handlers map it to
// a 400 response.
var ErrInvalid = errors.New("invalid attachment")

// Kind classifies an attachment for adapter routing.
type Kind string

// The Kind values.
const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

// KindOf maps a MIME type onto its adapter routing class.
func KindOf(mimeType string) Kind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return KindAudio
	default:
		return KindDocument
	}
}

// mimeByExtension is the authoritative extension table used as the third
// inference priority, after caller-provided and data-URI MIME types.
var mimeByExtension = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"bmp":  "image/bmp",
	"ico":  "image/x-icon",
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mov":  "video/quicktime",
	"avi":  "video/x-msvideo",
	"mkv":  "video/x-matroska",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"ogg":  "audio/ogg",
	"m4a":  "audio/mp4",
	"flac": "audio/flac",
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"txt":  "text/plain",
	"csv":  "text/csv",
	"json": "application/json",
	"xml":  "application/xml",
	"zip":  "application/zip",
	"rar":  "application/x-rar-compressed",
	"7z":   "application/x-7z-compressed",
}

const fallbackMIME = "application/octet-stream"

// InferMIME resolves an attachment's MIME type by priority: a valid
// caller-provided type wins, then a data-URI type, then the filename
// extension, then application/octet-stream.
func InferMIME(provided, dataURIMime, filename string) string {
	if validMIME(provided) {
		return provided
	}
	if validMIME(dataURIMime) {
		return dataURIMime
	}
	if filename != "" {
		if i := strings.LastIndexByte(filename, '.'); i >= 0 && i < len(filename)-1 {
			if m, ok := mimeByExtension[strings.ToLower(filename[i+1:])]; ok {
				return m
			}
		}
	}
	return fallbackMIME
}

// validMIME accepts only "type/subtype" shapes with a known top-level type.
func validMIME(m string) bool {
	parts := strings.SplitN(m, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	switch parts[0] {
	case "image", "video", "audio", "text", "application", "font", "model", "multipart", "message":
		return true
	default:
		return false
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
