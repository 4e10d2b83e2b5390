// Command sparksync keeps a local conversation store in sync with a
// PostgREST backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sparkchat/sparksync/internal/config"
	"github.com/sparkchat/sparksync/internal/logging"
	"github.com/sparkchat/sparksync/internal/ui"
)

// annotationNoConfig marks commands that run before a config file exists.
const annotationNoConfig = "sparksync/no-config"

var (
	// cfg and sink are set by the root command's PersistentPreRun.
	cfg  *config.Config
	sink *logging.Sink

	configPath string
	noColor    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "sparksync",
	Short: "Local-first conversation sync",
	Long: `sparksync keeps an on-device conversation store consistent with a
PostgREST/Supabase backend.

Local message content is never overwritten by a pull; conversation titles
follow the backend. All network operations run one at a time, in order.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			ui.DisableColor()
		}

		var c *config.Config
		if cmd.Annotations[annotationNoConfig] != "" {
			c = config.Default()
		} else {
			loaded, err := config.Load(configPath)
			if err != nil {
				fatalf("%v", err)
			}
			c = loaded
		}
		if quiet {
			c.Log.Quiet = true
		}
		cfg = c

		sink = logging.NewSink(logging.Options{
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   true,
			Quiet:      c.Log.Quiet,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if sink != nil {
			_ = sink.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.sparksync/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Do not mirror logs to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Local Data:"},
		&cobra.Group{ID: "dev", Title: "Development:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s "+format+"\n", append([]any{ui.RenderFail("Error:")}, args...)...)
	os.Exit(1)
}
