package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefando/chunkedUpload/internal/auth"
	uperr "github.com/stefando/chunkedUpload/internal/errors"
)

// recordingBackend captures what the client sends to each endpoint
type recordingBackend struct {
	mu      sync.Mutex
	bodies  map[string][]map[string]any
	headers map[string][]http.Header
	status  map[string]int
	reply   map[string]string
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{
		bodies:  map[string][]map[string]any{},
		headers: map[string][]http.Header{},
		status:  map[string]int{},
		reply:   map[string]string{},
	}
}

func (b *recordingBackend) handler(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		b.mu.Lock()
		b.bodies[path] = append(b.bodies[path], body)
		b.headers[path] = append(b.headers[path], r.Header.Clone())
		status, reply := b.status[path], b.reply[path]
		b.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}
}

func (b *recordingBackend) body(path string, i int) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bodies[path][i]
}

func (b *recordingBackend) header(path string, i int) http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headers[path][i]
}

func (b *recordingBackend) count(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bodies[path])
}

func (b *recordingBackend) server(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	for _, p := range []string{InitiatePath, SignPartPath, CompletePath, AbortPath} {
		r.Post(p, b.handler(p))
	}
	r.Get(CSRFPath, func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "primed", Path: "/"})
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string, csrf auth.TokenProvider) *Client {
	t.Helper()
	c, err := New(Options{BaseURL: baseURL, CSRF: csrf, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return c
}

func TestNewRejectsRelativeURL(t *testing.T) {
	t.Parallel()

	_, err := New(Options{BaseURL: "/relative"})
	require.Error(t, err)
	assert.True(t, uperr.IsConfig(err))
}

func TestInitiateSendsContractAndToken(t *testing.T) {
	t.Parallel()

	b := newRecordingBackend()
	b.reply[InitiatePath] = `{"upload_id":"up-1","file_key":"movies/full/a.mp4"}`
	srv := b.server(t)

	c := newTestClient(t, srv.URL, auth.StaticToken("tok-1"))
	target, err := c.Initiate(context.Background(), "a.mp4", "video/mp4", "video_file")
	require.NoError(t, err)

	assert.Equal(t, UploadTarget{UploadID: "up-1", FileKey: "movies/full/a.mp4"}, target)
	require.Equal(t, 1, b.count(InitiatePath))
	assert.Equal(t, map[string]any{
		"file_name":  "a.mp4",
		"file_type":  "video/mp4",
		"field_name": "video_file",
	}, b.body(InitiatePath, 0))
	assert.Equal(t, "tok-1", b.header(InitiatePath, 0).Get("X-CSRFToken"))
	assert.Equal(t, "application/json", b.header(InitiatePath, 0).Get("Content-Type"))
}

func TestTokenIsReadOnEveryCall(t *testing.T) {
	t.Parallel()

	b := newRecordingBackend()
	b.reply[SignPartPath] = `{"url":"https://storage.test/part"}`
	srv := b.server(t)

	var n atomic.Int32
	provider := auth.TokenFunc(func(context.Context) (string, error) {
		return "rotating-" + string(rune('a'+n.Add(1)-1)), nil
	})
	c := newTestClient(t, srv.URL, provider)

	target := UploadTarget{UploadID: "u", FileKey: "k"}
	for i := 1; i <= 3; i++ {
		_, err := c.SignPart(context.Background(), target, i)
		require.NoError(t, err)
	}

	var got []string
	for i := 0; i < b.count(SignPartPath); i++ {
		got = append(got, b.header(SignPartPath, i).Get("X-CSRFToken"))
	}
	assert.Equal(t, []string{"rotating-a", "rotating-b", "rotating-c"}, got)
	assert.Equal(t, float64(3), b.body(SignPartPath, 2)["part_number"])
}

func TestBearerTokenIsSent(t *testing.T) {
	t.Parallel()

	b := newRecordingBackend()
	srv := b.server(t)

	c, err := New(Options{BaseURL: srv.URL, Bearer: auth.StaticToken("jwt"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, c.Abort(context.Background(), UploadTarget{UploadID: "u", FileKey: "k"}))

	assert.Equal(t, "Bearer jwt", b.header(AbortPath, 0).Get("Authorization"))
	assert.Empty(t, b.header(AbortPath, 0).Get("X-CSRFToken"))
}

func TestBackendErrorsCarryBody(t *testing.T) {
	t.Parallel()

	b := newRecordingBackend()
	b.status[InitiatePath] = http.StatusBadRequest
	b.reply[InitiatePath] = "file_name is required\n"
	b.status[SignPartPath] = http.StatusForbidden
	b.reply[SignPartPath] = "CSRF verification failed"
	b.status[CompletePath] = http.StatusBadGateway
	srv := b.server(t)

	c := newTestClient(t, srv.URL, nil)
	target := UploadTarget{UploadID: "u", FileKey: "k"}

	_, err := c.Initiate(context.Background(), "", "", "")
	require.Error(t, err)
	assert.True(t, uperr.IsBackend(err))
	assert.EqualError(t, err, "failed to initiate upload: file_name is required")

	_, err = c.SignPart(context.Background(), target, 2)
	require.Error(t, err)
	assert.True(t, uperr.IsBackend(err))
	assert.EqualError(t, err, "failed to sign part 2: CSRF verification failed")

	err = c.Complete(context.Background(), target, []PartTag{{PartNumber: 1, ETag: "e"}})
	require.Error(t, err)
	assert.True(t, uperr.IsBackend(err))
	assert.EqualError(t, err, "failed to complete upload: status 502")
}

func TestInitiateRejectsIncompleteResponse(t *testing.T) {
	t.Parallel()

	b := newRecordingBackend()
	b.reply[InitiatePath] = `{"upload_id":"only-id"}`
	srv := b.server(t)

	_, err := newTestClient(t, srv.URL, nil).Initiate(context.Background(), "a", "b", "c")
	require.Error(t, err)
	assert.True(t, uperr.IsProtocol(err))
}

func TestCompleteSendsOrderedParts(t *testing.T) {
	t.Parallel()

	b := newRecordingBackend()
	srv := b.server(t)

	c := newTestClient(t, srv.URL, nil)
	err := c.Complete(context.Background(), UploadTarget{UploadID: "u", FileKey: "k"}, []PartTag{
		{PartNumber: 1, ETag: "a"},
		{PartNumber: 2, ETag: "b"},
	})
	require.NoError(t, err)

	body := b.body(CompletePath, 0)
	assert.Equal(t, "u", body["upload_id"])
	assert.Equal(t, "k", body["file_key"])
	assert.Equal(t, []any{
		map[string]any{"PartNumber": float64(1), "ETag": "a"},
		map[string]any{"PartNumber": float64(2), "ETag": "b"},
	}, body["parts"])
}

func TestPutPart(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		gotBody   string
		gotLength int64
		gotCSRF   string
	)
	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody, gotLength, gotCSRF = string(b), r.ContentLength, r.Header.Get("X-CSRFToken")
		mu.Unlock()
		switch r.URL.Query().Get("case") {
		case "missing":
		case "fail":
			w.WriteHeader(http.StatusInternalServerError)
			return
		default:
			w.Header().Set("ETag", `"abc123"`)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(storage.Close)

	c := newTestClient(t, "http://backend.test", auth.StaticToken("never-sent-to-storage"))
	section := io.NewSectionReader(strings.NewReader("0123456789"), 2, 5)

	etag, err := c.PutPart(context.Background(), 1, storage.URL+"/p?case=ok", section, 5)
	require.NoError(t, err)
	assert.Equal(t, "abc123", etag)
	mu.Lock()
	assert.Equal(t, "23456", gotBody)
	assert.Equal(t, int64(5), gotLength)
	assert.Empty(t, gotCSRF)
	mu.Unlock()

	_, err = c.PutPart(context.Background(), 2, storage.URL+"/p?case=fail", strings.NewReader("x"), 1)
	require.Error(t, err)
	assert.True(t, uperr.IsStorage(err))
	assert.EqualError(t, err, "failed to upload part 2: 500 Internal Server Error")

	_, err = c.PutPart(context.Background(), 3, storage.URL+"/p?case=missing", strings.NewReader("x"), 1)
	require.Error(t, err)
	assert.True(t, uperr.IsProtocol(err))
	assert.Equal(t, 3, err.(*uperr.Error).PartNumber)
}

func TestNormalizeETagIsIdempotent(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`"abc"`, `abc`, `"a"b"c"`, ` "abc" `, ``} {
		once := NormalizeETag(raw)
		assert.NotContains(t, once, `"`)
		assert.Equal(t, once, NormalizeETag(once), "input %q", raw)
	}
	assert.Equal(t, "abc", NormalizeETag(`"abc"`))
}

func TestPrimeCSRFFillsCookieJar(t *testing.T) {
	t.Parallel()

	b := newRecordingBackend()
	srv := b.server(t)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	csrf, err := auth.NewCookieToken(jar, srv.URL, "csrftoken")
	require.NoError(t, err)

	c, err := New(Options{
		BaseURL:    srv.URL,
		HTTPClient: &http.Client{Jar: jar},
		CSRF:       csrf,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, c.PrimeCSRF(context.Background()))
	require.NoError(t, c.Abort(context.Background(), UploadTarget{UploadID: "u", FileKey: "k"}))
	assert.Equal(t, "primed", b.header(AbortPath, 0).Get("X-CSRFToken"))
}

func TestMissingTokenFailsBeforeSending(t *testing.T) {
	t.Parallel()

	b := newRecordingBackend()
	srv := b.server(t)

	c := newTestClient(t, srv.URL, auth.StaticToken(""))
	_, err := c.Initiate(context.Background(), "a", "b", "c")
	require.ErrorIs(t, err, auth.ErrTokenNotFound)
	assert.Zero(t, b.count(InitiatePath))
}
