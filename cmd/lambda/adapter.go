package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/stefando/chunkedUpload/internal/auth"
)

// Adapter serves API Gateway proxy events with an http.Handler
type Adapter struct {
	handler http.Handler
	logger  zerolog.Logger
}

// NewAdapter creates an Adapter around h
func NewAdapter(h http.Handler, logger zerolog.Logger) *Adapter {
	return &Adapter{handler: h, logger: logger.With().Str("component", "lambda").Logger()}
}

// Handle is the Lambda handler
func (a *Adapter) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	httpReq, err := newHTTPRequest(ctx, req)
	if err != nil {
		a.logger.Error().Err(err).Str("path", req.Path).Msg("failed to build HTTP request")
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Body:       "Internal server error",
		}, nil
	}
	httpReq = httpReq.WithContext(a.authorizerContext(httpReq.Context(), req.RequestContext.Authorizer))

	rec := newResponseRecorder()
	a.handler.ServeHTTP(rec, httpReq)
	return rec.response(), nil
}

// authorizerContext carries tenant and token expiry set by the REQUEST
// authorizer into ctx
func (a *Adapter) authorizerContext(ctx context.Context, authorizer map[string]interface{}) context.Context {
	if tenantID, ok := authorizer["tenant_id"].(string); ok && tenantID != "" {
		ctx = auth.WithTenantID(ctx, tenantID)
	} else if authorizer != nil {
		a.logger.Debug().Interface("authorizer", authorizer).Msg("no tenant_id in authorizer context")
	}

	if exp, ok := epochSeconds(authorizer["token_expiration"]); ok {
		ctx = auth.WithTokenExpiration(ctx, exp)
	}
	return ctx
}

// epochSeconds reads a Unix timestamp from an authorizer context value.
// API Gateway hands numbers over as float64 or as strings.
func epochSeconds(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// newHTTPRequest creates an http.Request from an API Gateway event
func newHTTPRequest(ctx context.Context, req events.APIGatewayProxyRequest) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if req.Body != "" {
		if req.IsBase64Encoded {
			raw, err := base64.StdEncoding.DecodeString(req.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to decode body: %w", err)
			}
			body = bytes.NewReader(raw)
		} else {
			body = strings.NewReader(req.Body)
		}
	}

	path := req.Path
	for param, value := range req.PathParameters {
		path = strings.ReplaceAll(path, "{"+param+"}", value)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.HTTPMethod, path, body)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	if len(req.MultiValueQueryStringParameters) > 0 {
		for param, values := range req.MultiValueQueryStringParameters {
			query[param] = values
		}
	} else {
		for param, value := range req.QueryStringParameters {
			query.Set(param, value)
		}
	}
	httpReq.URL.RawQuery = query.Encode()

	if len(req.MultiValueHeaders) > 0 {
		for key, values := range req.MultiValueHeaders {
			for _, value := range values {
				httpReq.Header.Add(key, value)
			}
		}
	} else {
		for key, value := range req.Headers {
			httpReq.Header.Add(key, value)
		}
	}
	httpReq.Host = httpReq.Header.Get("Host")
	if ip := req.RequestContext.Identity.SourceIP; ip != "" {
		httpReq.RemoteAddr = ip
	}

	return httpReq, nil
}

// responseRecorder captures the router's HTTP response
type responseRecorder struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		header:     http.Header{},
		statusCode: http.StatusOK,
	}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) Write(body []byte) (int, error) {
	return r.body.Write(body)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}

// response converts the captured response. Repeated headers such as
// Set-Cookie only survive in MultiValueHeaders.
func (r *responseRecorder) response() events.APIGatewayProxyResponse {
	single := make(map[string]string, len(r.header))
	for key, values := range r.header {
		if len(values) > 0 {
			single[key] = values[0]
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode:        r.statusCode,
		Headers:           single,
		MultiValueHeaders: r.header,
		Body:              r.body.String(),
	}
}
