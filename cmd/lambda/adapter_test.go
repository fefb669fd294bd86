package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefando/chunkedUpload/internal/auth"
	"github.com/stefando/chunkedUpload/internal/backend"
	"github.com/stefando/chunkedUpload/internal/backend/backendtest"
	"github.com/stefando/chunkedUpload/internal/transport"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	fake := backendtest.New(t)
	svc := backend.NewService(backend.NewStaticProviderWithClients(fake.Clients()), backend.Options{
		Bucket:    "shared",
		KeyPrefix: "uploads",
	}, zerolog.Nop())
	return NewAdapter(backend.NewRouter(svc, backend.RouterOptions{Logger: zerolog.Nop()}), zerolog.Nop())
}

func TestAdapterPlantsCSRFCookie(t *testing.T) {
	t.Parallel()

	resp, err := newTestAdapter(t).Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       transport.CSRFPath,
		Headers:    map[string]string{"X-Forwarded-Proto": "https"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
	require.Len(t, resp.MultiValueHeaders["Set-Cookie"], 1)
	assert.True(t, strings.HasPrefix(resp.MultiValueHeaders["Set-Cookie"][0], "csrftoken="))
	assert.Contains(t, resp.MultiValueHeaders["Set-Cookie"][0], "; Secure")
}

func TestAdapterCarriesAuthorizerTenant(t *testing.T) {
	t.Parallel()

	body, err := json.Marshal(transport.InitiateUploadRequest{FileName: "trailer.mp4", FileType: "video/mp4", FieldName: "video_file"})
	require.NoError(t, err)

	resp, err := newTestAdapter(t).Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       transport.InitiatePath,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Cookie":       "csrftoken=tok",
			"X-CSRFToken":  "tok",
		},
		Body:            base64.StdEncoding.EncodeToString(body),
		IsBase64Encoded: true,
		RequestContext: events.APIGatewayProxyRequestContext{
			Authorizer: map[string]interface{}{
				"tenant_id":        "acme",
				"token_expiration": "4102444800",
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)

	var out transport.InitiateUploadResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &out))
	assert.True(t, strings.HasPrefix(out.FileKey, "uploads/acme/video_file/"), out.FileKey)
	assert.NotEmpty(t, out.UploadID)
}

func TestAdapterRejectsMissingCSRF(t *testing.T) {
	t.Parallel()

	resp, err := newTestAdapter(t).Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       transport.AbortPath,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       `{"upload_id":"u","file_key":"k"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuthorizerContext(t *testing.T) {
	t.Parallel()

	a := NewAdapter(http.NotFoundHandler(), zerolog.Nop())

	tests := []struct {
		name       string
		authorizer map[string]interface{}
		wantTenant string
		wantExp    int64
	}{
		{name: "none"},
		{name: "float expiry", authorizer: map[string]interface{}{"tenant_id": "t1", "token_expiration": float64(1700000000)}, wantTenant: "t1", wantExp: 1700000000},
		{name: "string expiry", authorizer: map[string]interface{}{"tenant_id": "t2", "token_expiration": "1700000001"}, wantTenant: "t2", wantExp: 1700000001},
		{name: "bad expiry", authorizer: map[string]interface{}{"tenant_id": "t3", "token_expiration": "soon"}, wantTenant: "t3"},
		{name: "empty tenant", authorizer: map[string]interface{}{"tenant_id": ""}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := a.authorizerContext(context.Background(), tc.authorizer)

			tenant, ok := auth.GetTenantID(ctx)
			assert.Equal(t, tc.wantTenant != "", ok)
			assert.Equal(t, tc.wantTenant, tenant)

			exp, ok := auth.GetTokenExpiration(ctx)
			assert.Equal(t, tc.wantExp != 0, ok)
			assert.Equal(t, tc.wantExp, exp)
		})
	}
}

func TestNewHTTPRequestQuery(t *testing.T) {
	t.Parallel()

	req, err := newHTTPRequest(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:                      http.MethodGet,
		Path:                            "/items/{id}",
		PathParameters:                  map[string]string{"id": "42"},
		MultiValueQueryStringParameters: map[string][]string{"tag": {"a", "b"}},
		MultiValueHeaders:               map[string][]string{"Accept": {"text/plain"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "/items/42", req.URL.Path)
	assert.Equal(t, []string{"a", "b"}, req.URL.Query()["tag"])
	assert.Equal(t, "text/plain", req.Header.Get("Accept"))
}
