// Package backend is a reference implementation of the upload backend: it
// turns initiate, sign-part, complete and abort calls into S3 multipart
// operations, scoped per tenant.
package backend

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stefando/chunkedUpload/internal/auth"
	"github.com/stefando/chunkedUpload/internal/transport"
)

const (
	// PresignedURLBuffer is the time buffer before token expiration (5 minutes)
	PresignedURLBuffer = 5 * time.Minute

	// MinPresignedURLDuration is the minimum duration for presigned URLs
	MinPresignedURLDuration = 5 * time.Minute

	// DefaultPresignedURLDuration is used when no shorter bound applies
	DefaultPresignedURLDuration = 2 * time.Hour

	// PublicTenant owns uploads from callers without a tenant
	PublicTenant = "public"

	// MaxParts is the S3 limit on parts per upload
	MaxParts = 10000
)

var (
	fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	extPattern       = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)
)

// ValidationError is a request the backend refuses to act on
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Options configures a Service
type Options struct {
	Bucket        string
	KeyPrefix     string
	PresignExpiry time.Duration

	// Now and NewID are replaceable for tests
	Now   func() time.Time
	NewID func() string
}

// Service handles multipart uploads to a shared bucket with tenant-prefixed keys
type Service struct {
	provider ClientProvider
	opts     Options
	logger   zerolog.Logger
}

// NewService creates a Service
func NewService(provider ClientProvider, opts Options, logger zerolog.Logger) *Service {
	if opts.PresignExpiry <= 0 {
		opts.PresignExpiry = DefaultPresignedURLDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	opts.KeyPrefix = strings.Trim(opts.KeyPrefix, "/")

	return &Service{
		provider: provider,
		opts:     opts,
		logger:   logger.With().Str("component", "backend").Str("bucket", opts.Bucket).Logger(),
	}
}

// Initiate starts a multipart upload and returns its identifiers
func (s *Service) Initiate(ctx context.Context, tenantID string, req transport.InitiateUploadRequest) (transport.InitiateUploadResponse, error) {
	if strings.TrimSpace(req.FileName) == "" {
		return transport.InitiateUploadResponse{}, invalid("file_name is required")
	}
	field := req.FieldName
	if field == "" {
		field = "file"
	}
	if !fieldNamePattern.MatchString(field) {
		return transport.InitiateUploadResponse{}, invalid("invalid field_name %q", req.FieldName)
	}
	contentType := req.FileType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	tenant := tenantOrPublic(tenantID)
	key := s.generateKey(tenant, field, req.FileName)

	clients, err := s.provider.Clients(ctx, tenant, MinSessionDuration)
	if err != nil {
		return transport.InitiateUploadResponse{}, err
	}

	out, err := clients.S3.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return transport.InitiateUploadResponse{}, fmt.Errorf("failed to create multipart upload: %w", err)
	}

	s.logger.Info().
		Str("tenant", tenant).
		Str("key", key).
		Str("upload_id", aws.ToString(out.UploadId)).
		Msg("multipart upload created")

	return transport.InitiateUploadResponse{
		UploadID: aws.ToString(out.UploadId),
		FileKey:  key,
	}, nil
}

// SignPart presigns the upload of one part
func (s *Service) SignPart(ctx context.Context, tenantID string, req transport.SignPartRequest) (transport.SignPartResponse, error) {
	tenant := tenantOrPublic(tenantID)
	if err := s.validateTarget(tenant, req.UploadID, req.FileKey); err != nil {
		return transport.SignPartResponse{}, err
	}
	if req.PartNumber < 1 || req.PartNumber > MaxParts {
		return transport.SignPartResponse{}, invalid("part_number must be between 1 and %d", MaxParts)
	}

	clients, err := s.provider.Clients(ctx, tenant, LongSessionDuration)
	if err != nil {
		return transport.SignPartResponse{}, err
	}

	expiration := s.presignExpiration(ctx)
	presigned, err := clients.Presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.opts.Bucket),
		Key:        aws.String(req.FileKey),
		PartNumber: aws.Int32(int32(req.PartNumber)),
		UploadId:   aws.String(req.UploadID),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiration
	})
	if err != nil {
		return transport.SignPartResponse{}, fmt.Errorf("failed to generate presigned URL for part %d: %w", req.PartNumber, err)
	}

	return transport.SignPartResponse{URL: presigned.URL}, nil
}

// Complete assembles the uploaded parts. The part list must be exactly 1..n.
func (s *Service) Complete(ctx context.Context, tenantID string, req transport.CompleteUploadRequest) (transport.CompleteUploadResponse, error) {
	tenant := tenantOrPublic(tenantID)
	if err := s.validateTarget(tenant, req.UploadID, req.FileKey); err != nil {
		return transport.CompleteUploadResponse{}, err
	}
	if err := validateParts(req.Parts); err != nil {
		return transport.CompleteUploadResponse{}, err
	}

	clients, err := s.provider.Clients(ctx, tenant, MinSessionDuration)
	if err != nil {
		return transport.CompleteUploadResponse{}, err
	}

	out, err := clients.S3.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.opts.Bucket),
		Key:      aws.String(req.FileKey),
		UploadId: aws.String(req.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: convertPartTags(req.Parts),
		},
	})
	if err != nil {
		return transport.CompleteUploadResponse{}, fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	s.logger.Info().
		Str("tenant", tenant).
		Str("key", req.FileKey).
		Int("parts", len(req.Parts)).
		Msg("multipart upload completed")

	return transport.CompleteUploadResponse{
		FileKey:  req.FileKey,
		Location: aws.ToString(out.Location),
	}, nil
}

// Abort discards an in-progress upload
func (s *Service) Abort(ctx context.Context, tenantID string, req transport.AbortUploadRequest) error {
	tenant := tenantOrPublic(tenantID)
	if err := s.validateTarget(tenant, req.UploadID, req.FileKey); err != nil {
		return err
	}

	clients, err := s.provider.Clients(ctx, tenant, MinSessionDuration)
	if err != nil {
		return err
	}

	_, err = clients.S3.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.opts.Bucket),
		Key:      aws.String(req.FileKey),
		UploadId: aws.String(req.UploadID),
	})
	if err != nil {
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}

	s.logger.Info().Str("tenant", tenant).Str("key", req.FileKey).Msg("multipart upload aborted")
	return nil
}

// generateKey creates a unique key: <prefix>/<tenant>/<field>/YYYY/MM/DD/<uuid><ext>
func (s *Service) generateKey(tenant, field, fileName string) string {
	now := s.opts.Now().UTC()
	datePath := fmt.Sprintf("%d/%02d/%02d", now.Year(), now.Month(), now.Day())

	ext := strings.ToLower(path.Ext(fileName))
	if !extPattern.MatchString(ext) {
		ext = ""
	}

	key := fmt.Sprintf("%s/%s/%s/%s%s", tenant, field, datePath, s.opts.NewID(), ext)
	if s.opts.KeyPrefix != "" {
		key = s.opts.KeyPrefix + "/" + key
	}
	return key
}

// validateTarget rejects incomplete targets and keys outside the tenant's prefix
func (s *Service) validateTarget(tenant, uploadID, fileKey string) error {
	if uploadID == "" {
		return invalid("upload_id is required")
	}
	if fileKey == "" {
		return invalid("file_key is required")
	}

	prefix := tenant + "/"
	if s.opts.KeyPrefix != "" {
		prefix = s.opts.KeyPrefix + "/" + prefix
	}
	if !strings.HasPrefix(fileKey, prefix) || strings.Contains(fileKey, "..") {
		return invalid("file_key does not belong to this tenant")
	}
	return nil
}

// presignExpiration bounds the configured expiry by the bearer token's
// remaining lifetime minus a buffer, never going below the minimum
func (s *Service) presignExpiration(ctx context.Context) time.Duration {
	expiry := s.opts.PresignExpiry
	tokenExp, ok := auth.GetTokenExpiration(ctx)
	if !ok {
		return expiry
	}

	timeUntilExpiry := time.Unix(tokenExp, 0).Sub(s.opts.Now())
	if timeUntilExpiry <= 0 {
		return MinPresignedURLDuration
	}
	bounded := min(expiry, timeUntilExpiry-PresignedURLBuffer)
	return max(bounded, MinPresignedURLDuration)
}

func validateParts(parts []transport.PartTag) error {
	if len(parts) == 0 {
		return invalid("parts cannot be empty")
	}
	if len(parts) > MaxParts {
		return invalid("too many parts: %d", len(parts))
	}
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return invalid("parts must be numbered 1..%d in order, got %d at position %d", len(parts), p.PartNumber, i+1)
		}
		if p.ETag == "" {
			return invalid("part %d has no ETag", p.PartNumber)
		}
	}
	return nil
}

// convertPartTags converts part tags to the AWS SDK format
func convertPartTags(parts []transport.PartTag) []types.CompletedPart {
	completed := make([]types.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		}
	}
	return completed
}

func tenantOrPublic(tenantID string) string {
	if tenantID == "" {
		return PublicTenant
	}
	return tenantID
}
