// mediaupload uploads media files to the catalog from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Global flags
var (
	configPath    string
	backendURL    string
	sessionCookie string
	logLevel      string
	metricsListen string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mediaupload",
	Short: "Upload media files to object storage and the media catalog",
	Long: `mediaupload sends image, video and audio files to object storage using
short-lived credentials issued by the media backend, then registers each file
in the media catalog.

Settings are read from a YAML file (--config) and MEDIAUPLOAD_* environment
variables; flags override both.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "Backend API URL, e.g. https://media.example.com/api")
	rootCmd.PersistentFlags().StringVar(&sessionCookie, "session-cookie", "", "Login session cookie value")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(uploadCmd)
}
