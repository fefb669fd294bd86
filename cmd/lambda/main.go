package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/viper"

	"github.com/stefando/chunkedUpload/internal/backend"
	"github.com/stefando/chunkedUpload/internal/config"
	"github.com/stefando/chunkedUpload/internal/logger"
)

func main() {
	log := logger.Init(os.Getenv("LOG_LEVEL"), os.Stdout)

	v := viper.New()
	if _, err := config.Load(v, "", false); err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg, err := config.LoadServer(config.ViperSource{V: v})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log = logger.Init(cfg.LogLevel, os.Stdout)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}

	svc := backend.NewService(backend.NewProvider(awsCfg, cfg.TenantAccessRoleARN), backend.Options{
		Bucket:        cfg.SharedBucket,
		KeyPrefix:     cfg.KeyPrefix,
		PresignExpiry: cfg.PresignExpiry,
	}, log)

	// API Gateway's authorizer has already validated the token; tenant and
	// expiry arrive in the authorizer context
	router := backend.NewRouter(svc, backend.RouterOptions{
		CSRFCookie: cfg.CSRFCookie,
		CSRFHeader: cfg.CSRFHeader,
		Logger:     log,
	})

	log.Info().
		Str("bucket", cfg.SharedBucket).
		Bool("tenant_roles", cfg.TenantAccessRoleARN != "").
		Msg("upload backend initialized")

	lambda.Start(NewAdapter(router, log).Handle)
}
