package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// ErrTokenNotFound is returned by a provider that has no token to offer.
var ErrTokenNotFound = errors.New("token not found")

// TokenProvider supplies a credential at the moment a request is built.
// Implementations must not cache: tokens rotate between calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenProvider
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken is a fixed token, e.g. one passed on the command line.
type StaticToken string

// Token implements TokenProvider
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrTokenNotFound
	}
	return string(s), nil
}

// CookieToken reads a named cookie from a cookie jar on every call. This is
// how the anti-forgery token reaches the client: the backend plants it in
// the jar and may replace it at any time.
type CookieToken struct {
	Jar  http.CookieJar
	URL  *url.URL
	Name string
}

// NewCookieToken returns a provider reading cookie name for rawURL from jar.
func NewCookieToken(jar http.CookieJar, rawURL, name string) (*CookieToken, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid cookie URL %q: %w", rawURL, err)
	}
	return &CookieToken{Jar: jar, URL: u, Name: name}, nil
}

// Token implements TokenProvider
func (c *CookieToken) Token(context.Context) (string, error) {
	for _, cookie := range c.Jar.Cookies(c.URL) {
		if cookie.Name != c.Name {
			continue
		}
		// Cookie values may be percent-encoded
		if v, err := url.PathUnescape(cookie.Value); err == nil {
			return v, nil
		}
		return cookie.Value, nil
	}
	return "", fmt.Errorf("cookie %s: %w", c.Name, ErrTokenNotFound)
}

// FileToken reads the access token saved by Login from Path on every call,
// so a fresh login is picked up by an upload already in flight.
type FileToken struct {
	Path string
}

// Token implements TokenProvider
func (f FileToken) Token(context.Context) (string, error) {
	saved, err := LoadToken(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", f.Path, ErrTokenNotFound)
		}
		return "", err
	}
	token := strings.TrimSpace(saved.AccessToken)
	if token == "" {
		return "", fmt.Errorf("%s has no access token: %w", f.Path, ErrTokenNotFound)
	}
	return token, nil
}
