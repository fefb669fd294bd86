package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// TenantClaim is the claim the backend scopes uploads by
const TenantClaim = "tenant_id"

// DynamoDBAPI is the part of the DynamoDB client the lookup needs
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// TenantLookup maps a Cognito user pool to its tenant through a table keyed
// by pool_id
type TenantLookup struct {
	db    DynamoDBAPI
	table string
}

func NewTenantLookup(db DynamoDBAPI, table string) *TenantLookup {
	return &TenantLookup{db: db, table: table}
}

// Tenant returns the tenant of poolID, or "" when the pool is not mapped
func (l *TenantLookup) Tenant(ctx context.Context, poolID string) (string, error) {
	out, err := l.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.table),
		Key: map[string]types.AttributeValue{
			"pool_id": &types.AttributeValueMemberS{Value: poolID},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up tenant for pool %s: %w", poolID, err)
	}
	if out.Item == nil {
		return "", nil
	}

	attr, ok := out.Item[TenantClaim].(*types.AttributeValueMemberS)
	if !ok {
		return "", nil
	}
	return attr.Value, nil
}

// Handler is the Cognito pre token generation trigger. It adds the tenant
// claim to ID and access tokens; API Gateway's authorizer reads it from the
// access token.
type Handler struct {
	lookup *TenantLookup
	logger zerolog.Logger
}

func NewHandler(lookup *TenantLookup, logger zerolog.Logger) *Handler {
	return &Handler{lookup: lookup, logger: logger.With().Str("component", "pretoken").Logger()}
}

// Handle never fails the sign-in: tokens without a tenant are rejected
// later by the authorizer
func (h *Handler) Handle(ctx context.Context, event events.CognitoEventUserPoolsPreTokenGenV2_0) (events.CognitoEventUserPoolsPreTokenGenV2_0, error) {
	log := h.logger.With().Str("user", event.UserName).Str("pool", event.UserPoolID).Logger()

	tenant, err := h.lookup.Tenant(ctx, event.UserPoolID)
	if err != nil {
		log.Error().Err(err).Msg("tenant lookup failed")
		return event, nil
	}
	if tenant == "" {
		log.Warn().Msg("no tenant mapped to pool")
		return event, nil
	}

	if event.Response.ClaimsAndScopeOverrideDetails.IDTokenGeneration.ClaimsToAddOrOverride == nil {
		event.Response.ClaimsAndScopeOverrideDetails.IDTokenGeneration.ClaimsToAddOrOverride = map[string]interface{}{}
	}
	event.Response.ClaimsAndScopeOverrideDetails.IDTokenGeneration.ClaimsToAddOrOverride[TenantClaim] = tenant

	if event.Response.ClaimsAndScopeOverrideDetails.AccessTokenGeneration.ClaimsToAddOrOverride == nil {
		event.Response.ClaimsAndScopeOverrideDetails.AccessTokenGeneration.ClaimsToAddOrOverride = map[string]interface{}{}
	}
	event.Response.ClaimsAndScopeOverrideDetails.AccessTokenGeneration.ClaimsToAddOrOverride[TenantClaim] = tenant

	log.Info().Str("tenant", tenant).Msg("tenant claim added")
	return event, nil
}
