package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stefando/chunkedUpload/internal/auth"
	"github.com/stefando/chunkedUpload/internal/backend"
	"github.com/stefando/chunkedUpload/internal/config"
	"github.com/stefando/chunkedUpload/internal/logger"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload backend",
	Long: `Run the upload backend over HTTP. It creates multipart uploads in the
shared bucket under tenant-prefixed keys, signs part URLs, and completes or
aborts uploads.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("bind_addr", "", "Address to listen on, e.g. :8080")
	f.String("shared_bucket", "", "Bucket receiving the uploads")
	f.String("tenant_access_role_arn", "", "Role assumed per tenant; the server's own credentials are used when empty")
	f.String("region", "", "AWS region")
	f.String("oidc_issuer", "", "Verify bearer tokens against this issuer")
	f.String("oidc_client_id", "", "Expected audience of bearer tokens")
	f.Bool("require_auth", false, "Reject requests without a valid bearer token")
	f.Duration("presign_expiry", 0, "Lifetime of presigned part URLs")
	f.String("key_prefix", "", "Prefix of every object key")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadServer(NewFlagLoader(cmd, viper.GetViper()))
	if err != nil {
		return err
	}
	log := logger.Get()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router, err := newBackendRouter(ctx, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.BindAddr).
			Str("bucket", cfg.SharedBucket).
			Bool("tenant_roles", cfg.TenantAccessRoleARN != "").
			Bool("oidc", cfg.OIDCIssuer != "").
			Msg("upload backend listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// newBackendRouter wires AWS clients, token verification and the backend
// service into a router
func newBackendRouter(ctx context.Context, cfg config.Server) (*chi.Mux, error) {
	log := logger.Get()

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	svc := backend.NewService(backend.NewProvider(awsCfg, cfg.TenantAccessRoleARN), backend.Options{
		Bucket:        cfg.SharedBucket,
		KeyPrefix:     cfg.KeyPrefix,
		PresignExpiry: cfg.PresignExpiry,
	}, log)

	routerOpts := backend.RouterOptions{
		CSRFCookie:  cfg.CSRFCookie,
		CSRFHeader:  cfg.CSRFHeader,
		RequireAuth: cfg.RequireAuth,
		Logger:      log,
	}
	if cfg.OIDCIssuer != "" {
		verifier, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			return nil, err
		}
		routerOpts.Verifier = verifier
	}

	return backend.NewRouter(svc, routerOpts), nil
}
