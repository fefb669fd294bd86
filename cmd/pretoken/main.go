package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/viper"

	"github.com/stefando/chunkedUpload/internal/config"
	"github.com/stefando/chunkedUpload/internal/logger"
)

func main() {
	log := logger.Init(os.Getenv("LOG_LEVEL"), os.Stdout)

	v := viper.New()
	if _, err := config.Load(v, "", false); err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	table := v.GetString("tenant_table")
	if table == "" {
		log.Fatal().Msg("TABLE_NAME environment variable not set")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}

	h := NewHandler(NewTenantLookup(dynamodb.NewFromConfig(awsCfg), table), log)
	lambda.Start(h.Handle)
}
