package reconcile

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/storage"
)

const DefaultMaxArtifactBytes int64 = 64 << 20

// fetchError carries the failure reason recorded on the attempt.
type fetchError struct {
	reason domain.FailureReason
	err    error
}

func (e *fetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *fetchError) Unwrap() error {
	return e.err
}

type artifact struct {
	data        []byte
	ext         string
	contentType string
}

// Fetcher retrieves the artifact a success callback refers to.
type Fetcher struct {
	client   *http.Client
	bucket   storage.Bucket
	maxBytes int64
}

// NewFetcher builds a Fetcher. providerBucket may be nil when no provider
// writes results into object storage.
func NewFetcher(client *http.Client, providerBucket storage.Bucket, maxBytes int64, timeout time.Duration) *Fetcher {
	if client == nil {
		if timeout <= 0 {
			timeout = time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxArtifactBytes
	}
	return &Fetcher{client: client, bucket: providerBucket, maxBytes: maxBytes}
}

func (f *Fetcher) Fetch(ctx context.Context, c Completion) (artifact, error) {
	switch {
	case c.InlineData != "":
		return f.decodeInline(c)
	case c.ArtifactURL != "":
		return f.download(ctx, c)
	case c.ArtifactPath != "":
		return f.readProviderBucket(ctx, c)
	default:
		return artifact{}, &fetchError{reason: domain.FailureNoOutput, err: errors.New("success payload carried no artifact reference")}
	}
}

func (f *Fetcher) decodeInline(c Completion) (artifact, error) {
	raw := strings.TrimSpace(c.InlineData)
	contentType := ""
	if strings.HasPrefix(raw, "data:") {
		header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return artifact{}, &fetchError{reason: domain.FailureDecode, err: errors.New("data uri is not base64 encoded")}
		}
		contentType = strings.TrimSuffix(header, ";base64")
		raw = payload
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Some providers strip padding.
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(raw, "="))
		if rawErr != nil {
			return artifact{}, &fetchError{reason: domain.FailureDecode, err: err}
		}
	}
	if len(data) == 0 {
		return artifact{}, &fetchError{reason: domain.FailureNoOutput, err: errors.New("inline artifact is empty")}
	}
	if int64(len(data)) > f.maxBytes {
		return artifact{}, &fetchError{reason: domain.FailureDecode, err: fmt.Errorf("inline artifact exceeds %d bytes", f.maxBytes)}
	}
	return newArtifact(data, c.ArtifactName, contentType), nil
}

func (f *Fetcher) download(ctx context.Context, c Completion) (artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ArtifactURL, nil)
	if err != nil {
		return artifact{}, &fetchError{reason: domain.FailureDownload, err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return artifact{}, &fetchError{reason: domain.FailureDownload, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return artifact{}, &fetchError{reason: domain.FailureDownload, err: fmt.Errorf("GET %s returned %d", redact(c.ArtifactURL), resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return artifact{}, &fetchError{reason: domain.FailureDownload, err: err}
	}
	if int64(len(data)) > f.maxBytes {
		return artifact{}, &fetchError{reason: domain.FailureDownload, err: fmt.Errorf("artifact exceeds %d bytes", f.maxBytes)}
	}
	if len(data) == 0 {
		return artifact{}, &fetchError{reason: domain.FailureDownload, err: errors.New("artifact body is empty")}
	}

	name := c.ArtifactName
	if u, err := url.Parse(c.ArtifactURL); err == nil {
		name = u.Path
	}
	return newArtifact(data, name, resp.Header.Get("Content-Type")), nil
}

func (f *Fetcher) readProviderBucket(ctx context.Context, c Completion) (artifact, error) {
	if f.bucket == nil {
		return artifact{}, &fetchError{reason: domain.FailureDownload, err: errors.New("no provider bucket configured")}
	}
	data, err := f.bucket.ReadObject(ctx, c.ArtifactPath)
	if err != nil {
		return artifact{}, &fetchError{reason: domain.FailureDownload, err: fmt.Errorf("read %s: %w", c.ArtifactPath, err)}
	}
	if int64(len(data)) > f.maxBytes {
		return artifact{}, &fetchError{reason: domain.FailureDownload, err: fmt.Errorf("artifact exceeds %d bytes", f.maxBytes)}
	}
	return newArtifact(data, c.ArtifactPath, ""), nil
}

// newArtifact picks the extension from the file name, then the declared
// content type, then the sniffed bytes.
func newArtifact(data []byte, name, contentType string) artifact {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	} else {
		contentType = ""
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if ext != "" && storage.ContentTypeForExt(ext) == "application/octet-stream" {
		ext = ""
	}
	if ext == "" {
		ext = extForContentType(contentType)
	}
	if ext == "" {
		contentType = http.DetectContentType(data)
		ext = extForContentType(contentType)
	}
	if ext == "" {
		ext = "bin"
	}
	return artifact{data: data, ext: ext, contentType: storage.ContentTypeForExt(ext)}
}

func extForContentType(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	default:
		return ""
	}
}

// redact drops the query string, which often carries a signature.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "artifact url"
	}
	u.RawQuery = ""
	return u.String()
}
