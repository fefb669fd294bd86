package backend_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefando/chunkedUpload/internal/auth"
	"github.com/stefando/chunkedUpload/internal/backend"
	"github.com/stefando/chunkedUpload/internal/backend/backendtest"
	"github.com/stefando/chunkedUpload/internal/transport"
)

func newBackend(t *testing.T, fake *backendtest.S3, requireAuth bool) *httptest.Server {
	t.Helper()
	svc := backend.NewService(backend.NewStaticProviderWithClients(fake.Clients()), backend.Options{
		Bucket:    "shared",
		KeyPrefix: "uploads",
	}, zerolog.Nop())
	srv := httptest.NewServer(backend.NewRouter(svc, backend.RouterOptions{
		RequireAuth: requireAuth,
		Logger:      zerolog.Nop(),
	}))
	t.Cleanup(srv.Close)
	return srv
}

// post sends a JSON body with a matching anti-forgery cookie and header
func post(t *testing.T, srv *httptest.Server, path string, body any, csrfCookie, csrfHeader string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if csrfCookie != "" {
		req.AddCookie(&http.Cookie{Name: "csrftoken", Value: csrfCookie})
	}
	if csrfHeader != "" {
		req.Header.Set("X-CSRFToken", csrfHeader)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}

func TestProtocolRoundTrip(t *testing.T) {
	t.Parallel()

	fake := backendtest.New(t)
	srv := newBackend(t, fake, false)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	csrf, err := auth.NewCookieToken(jar, srv.URL, "csrftoken")
	require.NoError(t, err)
	client, err := transport.New(transport.Options{
		BaseURL:    srv.URL,
		HTTPClient: &http.Client{Jar: jar, Timeout: 10 * time.Second},
		CSRF:       csrf,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.PrimeCSRF(ctx))

	target, err := client.Initiate(ctx, "clip.mp4", "video/mp4", "video_file")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(target.FileKey, "uploads/public/video_file/"), target.FileKey)
	assert.True(t, strings.HasSuffix(target.FileKey, ".mp4"), target.FileKey)

	chunks := []string{"first chunk|", "second chunk|", "tail"}
	var tags []transport.PartTag
	for i, chunk := range chunks {
		url, err := client.SignPart(ctx, target, i+1)
		require.NoError(t, err)
		etag, err := client.PutPart(ctx, i+1, url, strings.NewReader(chunk), int64(len(chunk)))
		require.NoError(t, err)
		assert.NotContains(t, etag, `"`)
		tags = append(tags, transport.PartTag{PartNumber: i + 1, ETag: etag})
	}
	require.NoError(t, client.Complete(ctx, target, tags))

	obj, ok := fake.Object(target.FileKey)
	require.True(t, ok)
	assert.Equal(t, strings.Join(chunks, ""), string(obj))
	assert.Equal(t, "video/mp4", fake.ContentType(target.FileKey))
	assert.Empty(t, fake.Pending())
}

func TestCSRFDoubleSubmit(t *testing.T) {
	t.Parallel()

	srv := newBackend(t, backendtest.New(t), false)
	body := transport.InitiateUploadRequest{FileName: "a.mp4"}

	tests := []struct {
		name       string
		cookie     string
		header     string
		wantStatus int
	}{
		{name: "matching", cookie: "tok", header: "tok", wantStatus: http.StatusOK},
		{name: "no header", cookie: "tok", wantStatus: http.StatusForbidden},
		{name: "no cookie", header: "tok", wantStatus: http.StatusForbidden},
		{name: "mismatch", cookie: "tok", header: "other", wantStatus: http.StatusForbidden},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp := post(t, srv, transport.InitiatePath, body, tc.cookie, tc.header)
			assert.Equal(t, tc.wantStatus, resp.StatusCode)
			if tc.wantStatus == http.StatusForbidden {
				assert.Equal(t, "CSRF verification failed", readBody(t, resp))
			}
		})
	}
}

func TestCSRFEndpointKeepsExistingToken(t *testing.T) {
	t.Parallel()

	srv := newBackend(t, backendtest.New(t), false)

	req, err := http.NewRequest(http.MethodGet, srv.URL+transport.CSRFPath, nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "csrftoken", Value: "existing"})
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "existing", out["csrf_token"])

	var planted string
	for _, c := range resp.Cookies() {
		if c.Name == "csrftoken" {
			planted = c.Value
		}
	}
	assert.Equal(t, "existing", planted)
}

func TestCSRFCookieSecureBehindProxy(t *testing.T) {
	t.Parallel()

	srv := newBackend(t, backendtest.New(t), false)

	tests := []struct {
		name       string
		proto      string
		wantSecure bool
	}{
		{name: "plain", wantSecure: false},
		{name: "forwarded https", proto: "https", wantSecure: true},
		{name: "forwarded chain", proto: "HTTPS, http", wantSecure: true},
		{name: "forwarded http", proto: "http", wantSecure: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req, err := http.NewRequest(http.MethodGet, srv.URL+transport.CSRFPath, nil)
			require.NoError(t, err)
			if tc.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tc.proto)
			}
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			cookies := resp.Cookies()
			require.Len(t, cookies, 1)
			assert.Equal(t, tc.wantSecure, cookies[0].Secure)
		})
	}
}

func TestErrorStatuses(t *testing.T) {
	t.Parallel()

	fake := backendtest.New(t)
	srv := newBackend(t, fake, false)

	resp := post(t, srv, transport.InitiatePath, transport.InitiateUploadRequest{}, "t", "t")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "file_name is required", readBody(t, resp))

	resp = post(t, srv, transport.CompletePath, transport.CompleteUploadRequest{
		UploadID: "u", FileKey: "uploads/public/f/k",
		Parts: []transport.PartTag{{PartNumber: 2, ETag: "e"}},
	}, "t", "t")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv, transport.AbortPath, transport.AbortUploadRequest{UploadID: "u", FileKey: "uploads/someone-else/f/k"}, "t", "t")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "file_key does not belong to this tenant", readBody(t, resp))

	fake.SetFaults(backendtest.Faults{FailCreate: errors.New("AccessDenied")})
	resp = post(t, srv, transport.InitiatePath, transport.InitiateUploadRequest{FileName: "a"}, "t", "t")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "Failed to initiate upload", readBody(t, resp))

	req, err := http.NewRequest(http.MethodPost, srv.URL+transport.InitiatePath, strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "csrftoken", Value: "t"})
	req.Header.Set("X-CSRFToken", "t")
	raw, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestTenantScoping(t *testing.T) {
	t.Parallel()

	srv := newBackend(t, backendtest.New(t), true)

	resp := post(t, srv, transport.InitiatePath, transport.InitiateUploadRequest{FileName: "a.png"}, "t", "t")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.TenantClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		TenantID:         "acme",
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	client, err := transport.New(transport.Options{
		BaseURL: srv.URL,
		CSRF:    auth.StaticToken("t"),
		Bearer:  auth.StaticToken(token),
		HTTPClient: &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			r.AddCookie(&http.Cookie{Name: "csrftoken", Value: "t"})
			return http.DefaultTransport.RoundTrip(r)
		})},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	target, err := client.Initiate(context.Background(), "a.png", "image/png", "poster")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(target.FileKey, "uploads/acme/poster/"), target.FileKey)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	srv := newBackend(t, backendtest.New(t), false)
	post(t, srv, transport.InitiatePath, transport.InitiateUploadRequest{FileName: "a"}, "t", "t")

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", readBody(t, resp))
	_ = resp.Body.Close()

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	metrics := readBody(t, resp)
	assert.Contains(t, metrics, `uploader_backend_requests_total{operation="initiate",status="200"} 1`)
	assert.Contains(t, metrics, "uploader_backend_request_duration_seconds")
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
