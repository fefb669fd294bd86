package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// JWT-related errors
var (
	ErrInvalidToken    = errors.New("invalid token format")
	ErrMissingTenantID = errors.New("tenant_id claim missing from token")
	ErrUntrustedIssuer = errors.New("token issuer is not trusted")
)

// TenantClaims extends the standard JWT claims with tenant information
type TenantClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Username string `json:"username,omitempty"`
}

// TokenInfo contains the tenant information carried by a bearer token
type TokenInfo struct {
	TenantID   string
	Username   string
	Expiration int64 // Unix timestamp, 0 if absent
}

// Verifier turns a raw bearer token into TokenInfo.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*TokenInfo, error)
}

// StripBearerPrefix removes a case-insensitive "Bearer " prefix if present
func StripBearerPrefix(token string) string {
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		return token[7:]
	}
	return token
}

// UnverifiedParser extracts tenant claims without checking the signature.
// Use it only behind an authorizer that has already validated the token
// (API Gateway in the Lambda deployment).
type UnverifiedParser struct{}

// Verify implements Verifier
func (UnverifiedParser) Verify(_ context.Context, rawToken string) (*TokenInfo, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(StripBearerPrefix(rawToken), &TenantClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*TenantClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if claims.TenantID == "" {
		return nil, ErrMissingTenantID
	}

	info := &TokenInfo{TenantID: claims.TenantID, Username: claims.Username}
	if claims.ExpiresAt != nil {
		info.Expiration = claims.ExpiresAt.Unix()
	}
	return info, nil
}

// ExtractTenantFromToken parses a JWT token and extracts the tenant ID
// without validating its signature.
func ExtractTenantFromToken(tokenString string) (string, error) {
	info, err := UnverifiedParser{}.Verify(context.Background(), tokenString)
	if err != nil {
		return "", err
	}
	return info.TenantID, nil
}

// OIDCVerifier validates signature, expiry and issuer against the issuer's
// published keys before trusting the tenant claim.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer's keys. An empty clientID skips the
// audience check, which Cognito access tokens do not carry.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider for issuer %s: %w", issuer, err)
	}

	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{
			ClientID:          clientID,
			SkipClientIDCheck: clientID == "",
		}),
	}, nil
}

// Verify implements Verifier
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*TokenInfo, error) {
	idToken, err := v.verifier.Verify(ctx, StripBearerPrefix(rawToken))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	var claims struct {
		TenantID string `json:"tenant_id"`
		Username string `json:"username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode claims: %w", err)
	}
	if claims.TenantID == "" {
		return nil, ErrMissingTenantID
	}

	return &TokenInfo{
		TenantID:   claims.TenantID,
		Username:   claims.Username,
		Expiration: idToken.Expiry.Unix(),
	}, nil
}

// CognitoIssuer is the issuer of tokens minted by a Cognito user pool
func CognitoIssuer(region, poolID string) string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, poolID)
}

// TokenIssuer reads the iss claim without verifying the token. The issuer
// is needed to know whose keys verify the token.
func TokenIssuer(rawToken string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := new(jwt.Parser).ParseUnverified(StripBearerPrefix(rawToken), &claims); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.Issuer == "" {
		return "", fmt.Errorf("%w: missing issuer claim", ErrInvalidToken)
	}
	return claims.Issuer, nil
}

// IssuerVerifier verifies tokens from several issuers, such as one Cognito
// user pool per tenant. An issuer must equal an allowed entry before its
// keys are fetched, so the verifier cache never outgrows the allow list.
type IssuerVerifier struct {
	allowed  []string
	clientID string

	mu        sync.Mutex
	verifiers map[string]Verifier
	discover  func(ctx context.Context, issuer, clientID string) (Verifier, error)
}

// NewIssuerVerifier creates an IssuerVerifier trusting the allowed issuers
func NewIssuerVerifier(clientID string, allowed ...string) *IssuerVerifier {
	return &IssuerVerifier{
		allowed:   allowed,
		clientID:  clientID,
		verifiers: map[string]Verifier{},
		discover: func(ctx context.Context, issuer, clientID string) (Verifier, error) {
			return NewOIDCVerifier(ctx, issuer, clientID)
		},
	}
}

// Verify implements Verifier
func (v *IssuerVerifier) Verify(ctx context.Context, rawToken string) (*TokenInfo, error) {
	rawToken = StripBearerPrefix(rawToken)
	issuer, err := TokenIssuer(rawToken)
	if err != nil {
		return nil, err
	}
	if !v.trusts(issuer) {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIssuer, issuer)
	}

	verifier, err := v.forIssuer(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return verifier.Verify(ctx, rawToken)
}

func (v *IssuerVerifier) trusts(issuer string) bool {
	for _, allowed := range v.allowed {
		if issuer == allowed {
			return true
		}
	}
	return false
}

func (v *IssuerVerifier) forIssuer(ctx context.Context, issuer string) (Verifier, error) {
	v.mu.Lock()
	verifier, ok := v.verifiers[issuer]
	v.mu.Unlock()
	if ok {
		return verifier, nil
	}

	// Discovery hits the network; concurrent misses may both discover and
	// the first stored verifier wins
	verifier, err := v.discover(ctx, issuer, v.clientID)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.verifiers[issuer]; ok {
		return cached, nil
	}
	v.verifiers[issuer] = verifier
	return verifier, nil
}
