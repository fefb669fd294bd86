// Package transport speaks the multipart upload protocol: four JSON calls to
// the upload backend (initiate, sign-part, complete, abort) and raw PUTs of
// part bytes to presigned storage URLs.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stefando/chunkedUpload/internal/auth"
	uperr "github.com/stefando/chunkedUpload/internal/errors"
)

// Backend endpoints, relative to the backend base URL
const (
	InitiatePath = "/api/movies/upload/initiate/"
	SignPartPath = "/api/movies/upload/sign-part/"
	CompletePath = "/api/movies/upload/complete/"
	AbortPath    = "/api/movies/upload/abort/"
	CSRFPath     = "/api/movies/upload/csrf/"
)

const (
	// DefaultCSRFHeader carries the anti-forgery token on backend calls
	DefaultCSRFHeader = "X-CSRFToken"

	// maxErrorBody bounds how much of a failed response is kept for the message
	maxErrorBody = 64 * 1024
)

// Options configures a Client
type Options struct {
	// BaseURL is the backend root, e.g. "https://example.com".
	BaseURL string

	// HTTPClient is used for backend calls. Give it a cookie jar when the
	// anti-forgery token lives in a cookie. Defaults to a client with a 60s
	// timeout.
	HTTPClient *http.Client

	// StorageClient is used for part PUTs. It must not share the backend's
	// cookie jar. Defaults to a client without a timeout; bound PUTs with
	// the context instead.
	StorageClient *http.Client

	// CSRF supplies the anti-forgery token, read on every backend call.
	// Nil sends no token.
	CSRF auth.TokenProvider

	// CSRFHeader names the anti-forgery header. Defaults to X-CSRFToken.
	CSRFHeader string

	// Bearer supplies an optional Authorization bearer token, read on every
	// backend call.
	Bearer auth.TokenProvider

	// CSRFPath is fetched by PrimeCSRF. Defaults to CSRFPath.
	CSRFPath string

	Logger zerolog.Logger
}

// Client wraps the backend and storage calls of one upload protocol
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	storage    *http.Client
	csrf       auth.TokenProvider
	csrfHeader string
	csrfPath   string
	bearer     auth.TokenProvider
	logger     zerolog.Logger
}

// New creates a Client from opts
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, uperr.Configf("invalid backend URL %q: %v", opts.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, uperr.Configf("backend URL %q must be absolute", opts.BaseURL)
	}

	c := &Client{
		baseURL:    base,
		http:       opts.HTTPClient,
		storage:    opts.StorageClient,
		csrf:       opts.CSRF,
		csrfHeader: opts.CSRFHeader,
		csrfPath:   opts.CSRFPath,
		bearer:     opts.Bearer,
		logger:     opts.Logger.With().Str("component", "transport").Logger(),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	if c.storage == nil {
		c.storage = &http.Client{}
	}
	if c.csrfHeader == "" {
		c.csrfHeader = DefaultCSRFHeader
	}
	if c.csrfPath == "" {
		c.csrfPath = CSRFPath
	}
	return c, nil
}

// Initiate starts a multipart upload for a file and returns its target
func (c *Client) Initiate(ctx context.Context, fileName, mimeType, fieldName string) (UploadTarget, error) {
	var resp InitiateUploadResponse
	err := c.postJSON(ctx, "initiate upload", InitiatePath, InitiateUploadRequest{
		FileName:  fileName,
		FileType:  mimeType,
		FieldName: fieldName,
	}, &resp)
	if err != nil {
		return UploadTarget{}, err
	}

	target := UploadTarget{UploadID: resp.UploadID, FileKey: resp.FileKey}
	if !target.Valid() {
		return UploadTarget{}, uperr.NewProtocol("initiate upload", errors.New("response is missing upload_id or file_key"))
	}
	return target, nil
}

// SignPart returns a presigned URL for one part of the upload
func (c *Client) SignPart(ctx context.Context, target UploadTarget, partNumber int) (string, error) {
	var resp SignPartResponse
	err := c.postJSON(ctx, "sign part", SignPartPath, SignPartRequest{
		UploadID:   target.UploadID,
		FileKey:    target.FileKey,
		PartNumber: partNumber,
	}, &resp)
	if err != nil {
		return "", withPart(err, partNumber)
	}
	if resp.URL == "" {
		return "", uperr.NewProtocol("sign part", errors.New("response is missing url")).WithPart(partNumber)
	}
	return resp.URL, nil
}

// PutPart uploads size bytes from body to a presigned URL and returns the
// part's ETag with quotes removed
func (c *Client) PutPart(ctx context.Context, partNumber int, presignedURL string, body io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, body)
	if err != nil {
		return "", uperr.Configf("invalid presigned URL for part %d: %v", partNumber, err)
	}
	// Section readers are not sized by net/http, and S3 rejects chunked PUTs
	req.ContentLength = size

	start := time.Now()
	resp, err := c.storage.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}
	defer drainAndClose(resp.Body)

	c.logger.Debug().
		Int("part", partNumber).
		Int("status", resp.StatusCode).
		Int64("bytes", size).
		Dur("elapsed", time.Since(start)).
		Msg("part PUT finished")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", uperr.NewStorage(partNumber, resp.StatusCode, resp.Status)
	}

	raw, ok := resp.Header["Etag"]
	if !ok || len(raw) == 0 {
		return "", uperr.NewProtocol("upload part", errors.New("storage response has no ETag header")).WithPart(partNumber)
	}
	etag := NormalizeETag(raw[0])
	if etag == "" {
		return "", uperr.NewProtocol("upload part", errors.New("storage response has an empty ETag")).WithPart(partNumber)
	}
	return etag, nil
}

// Complete asks the backend to assemble the uploaded parts
func (c *Client) Complete(ctx context.Context, target UploadTarget, parts []PartTag) error {
	return c.postJSON(ctx, "complete upload", CompletePath, CompleteUploadRequest{
		UploadID: target.UploadID,
		FileKey:  target.FileKey,
		Parts:    parts,
	}, nil)
}

// Abort asks the backend to discard the upload. Callers treat failure as
// best-effort cleanup.
func (c *Client) Abort(ctx context.Context, target UploadTarget) error {
	return c.postJSON(ctx, "abort upload", AbortPath, AbortUploadRequest{
		UploadID: target.UploadID,
		FileKey:  target.FileKey,
	}, nil)
}

// PrimeCSRF fetches the backend's anti-forgery endpoint so that the token
// cookie lands in the HTTP client's jar
func (c *Client) PrimeCSRF(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.csrfPath), nil)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, req, false); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch anti-forgery token: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return uperr.NewBackend("fetch anti-forgery token", resp.StatusCode, readErrorBody(resp.Body))
	}
	return nil
}

// NormalizeETag strips every quote character from an ETag. Applying it to
// an already unquoted tag changes nothing.
func NormalizeETag(etag string) string {
	return strings.ReplaceAll(strings.TrimSpace(etag), `"`, "")
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// authorize attaches the bearer token and, for state-changing calls, the
// anti-forgery token. Both are read now, never cached.
func (c *Client) authorize(ctx context.Context, req *http.Request, csrf bool) error {
	if c.bearer != nil {
		tok, err := c.bearer.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to read bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if csrf && c.csrf != nil {
		tok, err := c.csrf.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to read anti-forgery token: %w", err)
		}
		req.Header.Set(c.csrfHeader, tok)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(ctx, req, true); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	defer drainAndClose(resp.Body)

	c.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend call finished")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return uperr.NewBackend(op, resp.StatusCode, readErrorBody(resp.Body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return uperr.NewProtocol(op, fmt.Errorf("invalid response body: %w", err))
	}
	return nil
}

func withPart(err error, part int) error {
	var e *uperr.Error
	if errors.As(err, &e) && e.PartNumber == 0 {
		e.PartNumber = part
	}
	return err
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}
