package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/stefando/chunkedUpload/internal/auth"
)

// Authorizer is an API Gateway REQUEST authorizer. It verifies the bearer
// token and hands tenant, user and token expiry to the backend through the
// authorizer context.
type Authorizer struct {
	verifier auth.Verifier
	logger   zerolog.Logger
}

// NewAuthorizer creates an Authorizer
func NewAuthorizer(v auth.Verifier, logger zerolog.Logger) *Authorizer {
	return &Authorizer{verifier: v, logger: logger.With().Str("component", "authorizer").Logger()}
}

// Handle is the Lambda handler
func (a *Authorizer) Handle(ctx context.Context, event events.APIGatewayCustomAuthorizerRequestTypeRequest) (events.APIGatewayCustomAuthorizerResponse, error) {
	log := a.logger.With().
		Str("method", event.HTTPMethod).
		Str("path", event.Path).
		Str("request_id", event.RequestContext.RequestID).
		Logger()

	authHeader, ok := header(event.Headers, "Authorization")
	if !ok {
		log.Info().Msg("denied: no Authorization header")
		return policy("unauthorized", false, event.MethodArn, nil), nil
	}

	info, err := a.verifier.Verify(ctx, authHeader)
	if err != nil {
		log.Info().Err(err).Msg("denied: invalid token")
		return policy("unauthorized", false, event.MethodArn, nil), nil
	}

	log.Debug().
		Str("tenant", info.TenantID).
		Str("user", info.Username).
		Int64("exp", info.Expiration).
		Msg("allowed")

	// Context values must be strings, numbers or booleans; the expiry is
	// passed as a string
	return policy(info.TenantID, true, event.MethodArn, map[string]interface{}{
		"tenant_id":        info.TenantID,
		"username":         info.Username,
		"token_expiration": strconv.FormatInt(info.Expiration, 10),
	}), nil
}

// header looks name up case-insensitively
func header(headers map[string]string, name string) (string, bool) {
	for key, value := range headers {
		if strings.EqualFold(key, name) && value != "" {
			return value, true
		}
	}
	return "", false
}

func policy(principalID string, allow bool, methodArn string, authContext map[string]interface{}) events.APIGatewayCustomAuthorizerResponse {
	effect := "Deny"
	if allow {
		effect = "Allow"
	}

	return events.APIGatewayCustomAuthorizerResponse{
		PrincipalID: principalID,
		PolicyDocument: events.APIGatewayCustomAuthorizerPolicy{
			Version: "2012-10-17",
			Statement: []events.IAMPolicyStatement{{
				Action:   []string{"execute-api:Invoke"},
				Effect:   effect,
				Resource: []string{methodArn},
			}},
		},
		Context: authContext,
	}
}
