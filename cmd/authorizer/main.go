package main

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/spf13/viper"

	"github.com/stefando/chunkedUpload/internal/auth"
	"github.com/stefando/chunkedUpload/internal/config"
	"github.com/stefando/chunkedUpload/internal/logger"
)

func main() {
	log := logger.Init(os.Getenv("LOG_LEVEL"), os.Stdout)

	v := viper.New()
	if _, err := config.Load(v, "", false); err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	src := config.ViperSource{V: v}

	issuers := splitIssuers(src.String("oidc_issuer"))
	if len(issuers) == 0 {
		ctx := context.Background()
		var opts []func(*awsconfig.LoadOptions) error
		if region := src.String("region"); region != "" {
			opts = append(opts, awsconfig.WithRegion(region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load AWS config")
		}

		stack := src.String("stack_name")
		issuers, err = auth.StackPoolIssuers(ctx, cognitoidentityprovider.NewFromConfig(awsCfg), awsCfg.Region, stack)
		if err != nil {
			log.Fatal().Err(err).Str("stack", stack).Msg("failed to discover tenant user pools")
		}
		if len(issuers) == 0 {
			log.Fatal().Str("stack", stack).Msg("no tenant user pools found and oidc_issuer is not set")
		}
	}

	log.Info().Strs("issuers", issuers).Msg("authorizer initialized")
	a := NewAuthorizer(auth.NewIssuerVerifier(src.String("oidc_client_id"), issuers...), log)
	lambda.Start(a.Handle)
}

// splitIssuers parses a comma separated issuer list
func splitIssuers(raw string) []string {
	var issuers []string
	for _, issuer := range strings.Split(raw, ",") {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			issuers = append(issuers, issuer)
		}
	}
	return issuers
}
