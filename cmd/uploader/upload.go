package main

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stefando/chunkedUpload/internal/auth"
	"github.com/stefando/chunkedUpload/internal/config"
	"github.com/stefando/chunkedUpload/internal/logger"
	"github.com/stefando/chunkedUpload/internal/transport"
	"github.com/stefando/chunkedUpload/internal/ui"
	"github.com/stefando/chunkedUpload/internal/upload"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file in parts through the backend",
	Long: `Upload a file in parts. The backend issues a presigned URL per part,
the parts go straight to storage, and the backend assembles them. A failed
or interrupted upload is aborted so no orphaned parts are left behind.

The resulting file key is printed to stdout, or written to --output.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	f := uploadCmd.Flags()
	f.String("backend_url", "", "Backend base URL, e.g. https://example.com")
	f.String("chunk_size", "", "Part size, e.g. 10MiB")
	f.String("max_size", "", "Largest file accepted, e.g. 10GiB")
	f.String("field_name", "", "Form field the upload belongs to")
	f.String("csrf_token", "", "Anti-forgery token; fetched from the backend when empty")
	f.String("output", "", "Write the file key to this file instead of stdout")
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadClient(NewFlagLoader(cmd, viper.GetViper()))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.Get()
	log.Debug().Stringer("config", cfg).Msg("upload settings")

	file, closer, err := upload.OpenFile(args[0])
	if err != nil {
		return err
	}
	defer closer.Close()

	client, err := newTransport(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	term := ui.NewTerminal(os.Stderr)
	session := upload.NewSession(client, term, upload.Options{
		ChunkSize:    cfg.ChunkSize,
		MaxSize:      cfg.MaxSize,
		FieldName:    cfg.FieldName,
		AbortTimeout: cfg.AbortTimeout,
		Logger:       log,
	})

	guard := ui.NewGuard(term, func() bool { return session.State().Active() }, cancel)
	stop := guard.Install()
	defer stop()

	if cfg.CSRFToken == "" {
		if err := client.PrimeCSRF(ctx); err != nil {
			return err
		}
	}

	res, err := session.Start(ctx, file)
	if err != nil {
		return err
	}
	term.Summary(res)

	output, _ := cmd.Flags().GetString("output")
	return ui.WriteFileKey(cmd.OutOrStdout(), output, res.FileKey)
}

// newTransport builds the protocol client. Backend calls share a cookie jar
// so the anti-forgery cookie planted by the backend is read back on every
// call; storage PUTs use their own client without the jar.
func newTransport(cfg config.Client) (*transport.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	opts := transport.Options{
		BaseURL:    cfg.BackendURL,
		HTTPClient: &http.Client{Jar: jar, Timeout: cfg.RequestTimeout},
		CSRFHeader: cfg.CSRFHeader,
		CSRFPath:   cfg.CSRFPath,
		Logger:     logger.Get(),
	}

	if cfg.CSRFToken != "" {
		opts.CSRF = auth.StaticToken(cfg.CSRFToken)
	} else {
		cookie, err := auth.NewCookieToken(jar, cfg.BackendURL, cfg.CSRFCookie)
		if err != nil {
			return nil, err
		}
		opts.CSRF = cookie
	}

	if _, err := os.Stat(cfg.TokenFile); err == nil {
		opts.Bearer = auth.FileToken{Path: cfg.TokenFile}
	}

	return transport.New(opts)
}
