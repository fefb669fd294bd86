package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
)

// CognitoAPI is the subset of the Cognito client used by LoginService
type CognitoAPI interface {
	cognitoidentityprovider.ListUserPoolsAPIClient
	cognitoidentityprovider.ListUserPoolClientsAPIClient
	InitiateAuth(ctx context.Context, params *cognitoidentityprovider.InitiateAuthInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error)
	DescribeUserPoolClient(ctx context.Context, params *cognitoidentityprovider.DescribeUserPoolClientInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.DescribeUserPoolClientOutput, error)
}

// LoginService handles authentication with AWS Cognito
type LoginService struct {
	cognitoClient CognitoAPI
	stackName     string
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Tenant   string `json:"tenant"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents the login response with tokens
type LoginResponse struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresIn    int32     `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

// NewLoginService creates a new login service instance
func NewLoginService(cfg aws.Config, stackName string) *LoginService {
	return NewLoginServiceWithClient(cognitoidentityprovider.NewFromConfig(cfg), stackName)
}

// NewLoginServiceWithClient creates a login service around an existing client
func NewLoginServiceWithClient(client CognitoAPI, stackName string) *LoginService {
	return &LoginService{
		cognitoClient: client,
		stackName:     stackName,
	}
}

// Authenticate performs user authentication with Cognito
func (s *LoginService) Authenticate(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	if req.Tenant == "" || req.Username == "" || req.Password == "" {
		return nil, fmt.Errorf("tenant, username, and password are required")
	}

	// User pools and clients are discovered by naming convention
	userPoolName := fmt.Sprintf("%s-%s-user-pool", s.stackName, req.Tenant)
	userPoolID, err := s.findUserPoolByName(ctx, userPoolName)
	if err != nil {
		return nil, fmt.Errorf("failed to find user pool for tenant %s: %w", req.Tenant, err)
	}

	clientID, err := s.findUserPoolClient(ctx, userPoolID, fmt.Sprintf("%s-%s-client", s.stackName, req.Tenant))
	if err != nil {
		return nil, fmt.Errorf("failed to find user pool client: %w", err)
	}

	result, err := s.cognitoClient.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeUserPasswordAuth,
		ClientId: aws.String(clientID),
		AuthParameters: map[string]string{
			"USERNAME": req.Username,
			"PASSWORD": req.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if result.AuthenticationResult == nil {
		return nil, fmt.Errorf("unexpected authentication response")
	}

	ar := result.AuthenticationResult
	response := &LoginResponse{
		TokenType:    "Bearer",
		ExpiresIn:    ar.ExpiresIn,
		ExpiresAt:    time.Now().Add(time.Duration(ar.ExpiresIn) * time.Second).UTC(),
		AccessToken:  aws.ToString(ar.AccessToken),
		IDToken:      aws.ToString(ar.IdToken),
		RefreshToken: aws.ToString(ar.RefreshToken),
	}
	return response, nil
}

// findUserPoolByName discovers a user pool by its name
func (s *LoginService) findUserPoolByName(ctx context.Context, poolName string) (string, error) {
	paginator := cognitoidentityprovider.NewListUserPoolsPaginator(s.cognitoClient, &cognitoidentityprovider.ListUserPoolsInput{
		MaxResults: aws.Int32(60),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list user pools: %w", err)
		}

		for _, pool := range page.UserPools {
			if aws.ToString(pool.Name) == poolName {
				return aws.ToString(pool.Id), nil
			}
		}
	}

	return "", fmt.Errorf("user pool not found: %s", poolName)
}

// StackPoolIssuers returns the issuer of every tenant user pool the stack
// owns, matched by the "<stack>-<tenant>-user-pool" naming convention
func StackPoolIssuers(ctx context.Context, client cognitoidentityprovider.ListUserPoolsAPIClient, region, stackName string) ([]string, error) {
	paginator := cognitoidentityprovider.NewListUserPoolsPaginator(client, &cognitoidentityprovider.ListUserPoolsInput{
		MaxResults: aws.Int32(60),
	})

	var issuers []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list user pools: %w", err)
		}
		for _, pool := range page.UserPools {
			name := aws.ToString(pool.Name)
			tenant := strings.TrimSuffix(strings.TrimPrefix(name, stackName+"-"), "-user-pool")
			if tenant == "" || len(tenant)+len(stackName)+len("--user-pool") != len(name) {
				continue
			}
			issuers = append(issuers, CognitoIssuer(region, aws.ToString(pool.Id)))
		}
	}
	return issuers, nil
}

// findUserPoolClient discovers a user pool client by name
func (s *LoginService) findUserPoolClient(ctx context.Context, userPoolID, clientName string) (string, error) {
	paginator := cognitoidentityprovider.NewListUserPoolClientsPaginator(s.cognitoClient, &cognitoidentityprovider.ListUserPoolClientsInput{
		UserPoolId: aws.String(userPoolID),
		MaxResults: aws.Int32(60),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list user pool clients: %w", err)
		}

		for _, client := range page.UserPoolClients {
			// The listing only carries IDs reliably, so describe each client
			describeOutput, err := s.cognitoClient.DescribeUserPoolClient(ctx, &cognitoidentityprovider.DescribeUserPoolClientInput{
				UserPoolId: aws.String(userPoolID),
				ClientId:   client.ClientId,
			})
			if err != nil {
				continue
			}

			if describeOutput.UserPoolClient != nil &&
				aws.ToString(describeOutput.UserPoolClient.ClientName) == clientName {
				return aws.ToString(client.ClientId), nil
			}
		}
	}

	return "", fmt.Errorf("user pool client not found: %s", clientName)
}

// SaveToken writes resp to path with owner-only permissions
func SaveToken(path string, resp *LoginResponse) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	// Write then rename so readers never see a partial file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace token: %w", err)
	}
	return nil
}

// LoadToken reads a token saved by SaveToken
func LoadToken(path string) (*LoginResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var resp LoginResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode token file %s: %w", path, err)
	}
	return &resp, nil
}
