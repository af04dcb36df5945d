package app

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// defaultPort はSERVER_PORT未設定時のポート。
const defaultPort = "8080"

// NewRootCmd はアプリケーションのルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして起動する。
// ログはwriterに出力する（nilの場合は標準出力）。
func NewRootCmd(w io.Writer) *cobra.Command {
	serve := newServeCmd(w)

	cmd := &cobra.Command{
		Use:   "mediaanalyzer",
		Short: "Web front end for the media analysis API",
		Long: `mediaanalyzer serves the sign-in, sign-up and media analysis pages.

Viewers upload an image or a video, the server forwards it to the remote
analysis API and renders the returned description.`,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}

	cmd.AddCommand(
		serve,
		newMigrateCmd(w),
		newCleanupCmd(w),
		newHealthcheckCmd(),
	)

	return cmd
}

func newServeCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the web server",
		Long: `Starts the web server and the periodic cleanup of expired viewer sessions.

SIGINT triggers a graceful shutdown that waits for in-flight requests.`,
		Example: `  # Start with the in-memory session store
  BASE_URL=http://localhost:8080 mediaanalyzer serve

  # Keep sessions in PostgreSQL
  SESSION_STORE=postgres DATABASE_URL=postgres://... mediaanalyzer serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func newMigrateCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply session store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runMigrate(cfg)
		},
	}
}

func newCleanupCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired viewer sessions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runCleanup(cmd.Context(), cfg)
		},
	}
}

// newHealthcheckCmd は軽量サブコマンドのため、設定の読み込みをスキップする。
func newHealthcheckCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the /health endpoint of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				port := os.Getenv("SERVER_PORT")
				if port == "" {
					port = defaultPort
				}
				url = fmt.Sprintf("http://localhost:%s/health", port)
			}
			return runHealthcheck(cmd.Context(), url)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Health endpoint to probe (default http://localhost:$SERVER_PORT/health)")

	return cmd
}
