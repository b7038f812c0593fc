package attachment

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder for image.Decode
	"image/jpeg"
	_ "image/png" // Register PNG decoder for image.Decode
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/message"
)

const (
	downloadTimeout  = 30 * time.Second
	thumbnailWidth   = 400
	thumbnailQuality = 85
)

// Resolved is one attachment with its bytes in memory, ready for an
// adapter to upload. Thumbnail is a best-effort JPEG preview, present only
// for decodable images.
type Resolved struct {
	Filename  string
	MimeType  string
	Kind      Kind
	Caption   string
	Bytes     []byte
	Thumbnail []byte
	SourceURL string
}

// Fetcher validates and materializes attachment inputs. It is safe for
// concurrent use by many dispatch workers.
type Fetcher struct {
	client   *http.Client
	resolver Resolver
	maxBytes int64
	log      zerolog.Logger
}

// NewFetcher creates a Fetcher enforcing maxBytes on both inline and
// downloaded payloads. resolver may be nil to use the system resolver.
func NewFetcher(resolver Resolver, maxBytes int64, logger zerolog.Logger) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		client:   &http.Client{Timeout: downloadTimeout},
		resolver: resolver,
		maxBytes: maxBytes,
		log:      logger,
	}
}

// Validate runs the cheap checks for one attachment input without fetching
// anything: the SSRF gate for URL mode, base64 shape and size for inline
// mode. The HTTP layer calls it before a job is enqueued so obviously bad
// requests are rejected synchronously.
func (f *Fetcher) Validate(ctx context.Context, in message.Attachment) error {
	switch {
	case in.URL != "":
		return CheckURL(ctx, f.resolver, in.URL)
	case in.Data != "":
		_, _, err := DecodeBase64(in.Data, f.maxBytes)
		return err
	default:
		return invalidf("attachment needs either url or data")
	}
}

// Resolve materializes one attachment input: inline payloads are decoded,
// URL payloads pass the SSRF gate again (the defense must not depend on
// the HTTP layer having run) and are downloaded. Image payloads get a
// best-effort thumbnail; a thumbnail failure never fails the resolve.
func (f *Fetcher) Resolve(ctx context.Context, in message.Attachment) (*Resolved, error) {
	var (
		body        []byte
		dataURIMime string
		err         error
	)

	switch {
	case in.URL != "":
		if err := CheckURL(ctx, f.resolver, in.URL); err != nil {
			return nil, err
		}
		body, err = f.download(ctx, in.URL)
		if err != nil {
			return nil, err
		}
	case in.Data != "":
		body, dataURIMime, err = DecodeBase64(in.Data, f.maxBytes)
		if err != nil {
			return nil, err
		}
	default:
		return nil, invalidf("attachment needs either url or data")
	}

	filename := in.Filename
	if filename == "" && in.URL != "" {
		filename = filenameFromURL(in.URL)
	}

	mimeType := InferMIME(in.MimeType, dataURIMime, filename)
	r := &Resolved{
		Filename:  filename,
		MimeType:  mimeType,
		Kind:      KindOf(mimeType),
		Caption:   in.Caption,
		Bytes:     body,
		SourceURL: in.URL,
	}

	if r.Kind == KindImage {
		if thumb, err := thumbnail(body); err == nil {
			r.Thumbnail = thumb
		} else {
			f.log.Debug().Err(err).Str("filename", filename).Msg("Thumbnail generation skipped")
		}
	}
	return r, nil
}

// download fetches url into memory, enforcing the size limit while reading
// so an unbounded response cannot exhaust memory.
func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, invalidf("malformed URL %q", rawURL)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download attachment: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, invalidf("attachment exceeds the %d byte limit", f.maxBytes)
	}
	return body, nil
}

// thumbnail produces a bounded-width JPEG preview of an image payload.
func thumbnail(body []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	thumb := imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := u.Path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
