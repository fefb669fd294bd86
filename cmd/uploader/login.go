package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/stefando/chunkedUpload/internal/auth"
	"github.com/stefando/chunkedUpload/internal/config"
	"github.com/stefando/chunkedUpload/internal/logger"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to a tenant and cache the access token",
	Long: `Authenticate against the tenant's Cognito user pool and save the tokens
to token_file. Uploads send the saved access token as a bearer token,
re-reading the file on every call.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)

	f := loginCmd.Flags()
	f.String("tenant", "", "Tenant to log in to")
	f.String("username", "", "User name")
	f.String("password", "", "Password; prompted for when empty")
	f.String("stack_name", "", "Name of the deployed stack")
	f.String("region", "", "AWS region of the deployed stack")
	f.String("token_file", "", "Where to save the tokens")
}

func runLogin(cmd *cobra.Command, _ []string) error {
	flags := NewFlagLoader(cmd, viper.GetViper())
	cfg, err := config.LoadClient(flags)
	if err != nil {
		return err
	}

	req := &auth.LoginRequest{
		Tenant:   flags.String("tenant"),
		Username: flags.String("username"),
		Password: flags.String("password"),
	}
	if req.Tenant == "" || req.Username == "" {
		return errors.New("--tenant and --username are required")
	}
	if req.Password == "" {
		if req.Password, err = readPassword(); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	log := logger.Get()
	log.Info().
		Str("stack", cfg.StackName).
		Str("region", awsCfg.Region).
		Str("tenant", req.Tenant).
		Msg("logging in")

	resp, err := auth.NewLoginService(awsCfg, cfg.StackName).Authenticate(ctx, req)
	if err != nil {
		return err
	}
	if err := auth.SaveToken(cfg.TokenFile, resp); err != nil {
		return err
	}

	fmt.Fprintln(cmd.ErrOrStderr(), color.GreenString("Logged in as %s@%s, token expires %s",
		req.Username, req.Tenant, humanize.Time(resp.ExpiresAt)))
	log.Debug().Str("token_file", cfg.TokenFile).Msg("token saved")
	return nil
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--password is required when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return trimLineEnding(string(raw)), nil
}

// trimLineEnding drops a trailing newline some terminals leave in the
// buffer; other whitespace belongs to the password
func trimLineEnding(s string) string {
	return strings.TrimRight(s, "\r\n")
}
