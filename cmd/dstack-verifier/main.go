// Command dstack-verifier serves the dstack confidential-VM attestation
// verification API, or (with --verify) checks a single request file and
// exits.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dstack-tee/dstack-verifier/internal/config"
	"github.com/dstack-tee/dstack-verifier/internal/verifier"
)

func main() {
	var (
		configPath string
		verifyFile string
	)

	cmd := &cobra.Command{
		Use:   "dstack-verifier",
		Short: "Verify dstack confidential VM attestation quotes",
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			cv, err := verifier.New(cfg.ImageCacheDir, cfg.ImageDownloadURL, cfg.DownloadTimeout(), cfg.PCCSURL)
			if err != nil {
				return fmt.Errorf("init verifier: %w", err)
			}

			if verifyFile != "" {
				ok, err := verifier.RunOneshot(context.Background(), cv, verifyFile)
				if err != nil {
					return fmt.Errorf("oneshot verification: %w", err)
				}
				if !ok {
					os.Exit(1)
				}
				return nil
			}

			addr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
			log.Info().Str("address", addr).Msg("starting dstack-verifier")
			return http.ListenAndServe(addr, cv.Router())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "dstack-verifier.toml", "path to config file")
	cmd.Flags().StringVar(&verifyFile, "verify", "", "verify a single request file and exit instead of serving")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
