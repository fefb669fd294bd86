package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
)

const (
	// MinSessionDuration is the minimum duration for AWS STS AssumeRole (15 minutes)
	MinSessionDuration int32 = 900

	// LongSessionDuration covers operations that hand out presigned URLs (3 hours)
	LongSessionDuration int32 = 10800
)

// S3API is the subset of the S3 client the service uses
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Presigner signs part uploads
type Presigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// STSAPI is the subset of the STS client used for tenant credentials
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Clients bundles the S3 client and presigner for one tenant
type Clients struct {
	S3      S3API
	Presign Presigner
}

// ClientProvider hands out S3 clients scoped to a tenant. durationSeconds
// is how long the underlying credentials must stay valid.
type ClientProvider interface {
	Clients(ctx context.Context, tenantID string, durationSeconds int32) (Clients, error)
}

// StaticProvider returns the same clients for every tenant. Tenant
// isolation then rests on the key prefix alone.
type StaticProvider struct {
	clients Clients
}

// NewStaticProvider builds clients from cfg
func NewStaticProvider(cfg aws.Config) *StaticProvider {
	client := s3.NewFromConfig(cfg)
	return &StaticProvider{clients: Clients{S3: client, Presign: s3.NewPresignClient(client)}}
}

// NewStaticProviderWithClients wraps existing clients
func NewStaticProviderWithClients(c Clients) *StaticProvider {
	return &StaticProvider{clients: c}
}

// Clients implements ClientProvider
func (p *StaticProvider) Clients(context.Context, string, int32) (Clients, error) {
	return p.clients, nil
}

// AssumeRoleProvider builds S3 clients from credentials of a role assumed
// with the tenant as a session tag, so that bucket policies can pin each
// tenant to its own prefix
type AssumeRoleProvider struct {
	sts     STSAPI
	roleArn string
	cfg     aws.Config
}

// NewAssumeRoleProvider creates an AssumeRoleProvider
func NewAssumeRoleProvider(cfg aws.Config, stsClient STSAPI, roleArn string) *AssumeRoleProvider {
	if stsClient == nil {
		stsClient = sts.NewFromConfig(cfg)
	}
	return &AssumeRoleProvider{sts: stsClient, roleArn: roleArn, cfg: cfg}
}

// Clients implements ClientProvider
func (p *AssumeRoleProvider) Clients(ctx context.Context, tenantID string, durationSeconds int32) (Clients, error) {
	creds, err := AssumeRoleForTenant(ctx, p.sts, p.roleArn, tenantID, durationSeconds)
	if err != nil {
		return Clients{}, err
	}

	client := s3.NewFromConfig(p.cfg, func(o *s3.Options) {
		o.Credentials = aws.NewCredentialsCache(
			aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
				return creds, nil
			}),
		)
	})
	return Clients{S3: client, Presign: s3.NewPresignClient(client)}, nil
}

// NewProvider returns an AssumeRoleProvider when roleArn is set, and a
// StaticProvider using cfg's own credentials otherwise
func NewProvider(cfg aws.Config, roleArn string) ClientProvider {
	if roleArn == "" {
		return NewStaticProvider(cfg)
	}
	return NewAssumeRoleProvider(cfg, nil, roleArn)
}

// AssumeRoleForTenant assumes an IAM role with a tenant_id session tag.
// durationSeconds controls how long the credentials are valid (max 10800
// for the deployed role).
func AssumeRoleForTenant(ctx context.Context, stsClient STSAPI, roleArn, tenantID string, durationSeconds int32) (aws.Credentials, error) {
	if tenantID == "" {
		return aws.Credentials{}, fmt.Errorf("tenant ID cannot be empty")
	}
	if roleArn == "" {
		return aws.Credentials{}, fmt.Errorf("role ARN cannot be empty")
	}

	// Session names must be unique enough to tell tenants apart in CloudTrail
	sessionName := fmt.Sprintf("tenant-%s-session-%d", tenantID, time.Now().Unix())

	out, err := stsClient.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleArn),
		RoleSessionName: aws.String(sessionName),
		Tags: []types.Tag{
			{
				Key:   aws.String("tenant_id"),
				Value: aws.String(tenantID),
			},
		},
		DurationSeconds: aws.Int32(durationSeconds),
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("failed to assume role for tenant %s: %w", tenantID, err)
	}
	if out.Credentials == nil {
		return aws.Credentials{}, fmt.Errorf("no credentials returned for tenant %s", tenantID)
	}

	return aws.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Source:          "AssumeRoleWithTenantTag",
		CanExpire:       out.Credentials.Expiration != nil,
		Expires:         aws.ToTime(out.Credentials.Expiration),
	}, nil
}
