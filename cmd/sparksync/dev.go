package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/sparkchat/sparksync/internal/auth"
	"github.com/sparkchat/sparksync/internal/config"
	"github.com/sparkchat/sparksync/internal/devserver"
	"github.com/sparkchat/sparksync/internal/ui"
)

var devserverCmd = &cobra.Command{
	Use:     "devserver",
	GroupID: "dev",
	Short:   "Run a local PostgREST-compatible backend",
	Long: `Run a development backend that speaks the REST and realtime subset
sparksync uses.

Rows are stored with gorm in sqlite (default), mysql or postgres and are
scoped to the subject of each request's bearer token. Mint tokens with
'sparksync token --user <id>'.

Example usage:
  sparksync devserver                      # sqlite in memory on :54321
  sparksync devserver --dsn dev.db         # sqlite file
  sparksync devserver --driver postgres --dsn "host=localhost user=dev dbname=spark"`,
	Run: func(cmd *cobra.Command, args []string) {
		dc := cfg.Devserver
		if cmd.Flags().Changed("port") {
			dc.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("driver") {
			dc.Driver, _ = cmd.Flags().GetString("driver")
		}
		if cmd.Flags().Changed("dsn") {
			dc.DSN, _ = cmd.Flags().GetString("dsn")
		}
		if dc.JWTSecret == "" {
			fatalf("devserver.jwt_secret is required (set it in the config or SPARKSYNC_DEVSERVER_JWT_SECRET)")
		}

		gin.SetMode(gin.ReleaseMode)
		server, err := devserver.NewServer(&devserver.Config{
			Port:      dc.Port,
			Driver:    dc.Driver,
			DSN:       dc.DSN,
			JWTSecret: dc.JWTSecret,
			APIKey:    dc.APIKey,
			Logger:    sink.New("devserver"),
		})
		if err != nil {
			fatalf("%v", err)
		}
		if err := server.Start(); err != nil {
			fatalf("failed to start dev server: %v", err)
		}

		base := server.URL()
		rt, _ := config.RealtimeURL(base)
		fmt.Printf("%s Dev server started\n", ui.RenderPass("✓"))
		ui.KV(os.Stdout,
			[2]string{"REST", base + "/rest/v1"},
			[2]string{"Realtime", rt},
			[2]string{"Health", base + "/health"},
			[2]string{"Driver", dc.Driver},
		)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down dev server...")
		if err := server.Stop(); err != nil {
			fatalf("during shutdown: %v", err)
		}
	},
}

var tokenCmd = &cobra.Command{
	Use:     "token",
	GroupID: "dev",
	Short:   "Mint a development access token",
	Run: func(cmd *cobra.Command, args []string) {
		user, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if cfg.Devserver.JWTSecret == "" {
			fatalf("devserver.jwt_secret is required")
		}
		token, err := auth.Mint(cfg.Devserver.JWTSecret, user, ttl)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(token)
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "dev",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write the default configuration file",
	Annotations: map[string]string{annotationNoConfig: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		path := configPath
		if path == "" {
			p, err := config.DefaultPath()
			if err != nil {
				fatalf("%v", err)
			}
			path = p
		}
		if err := config.WriteDefault(path, force); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

func init() {
	devserverCmd.Flags().IntP("port", "p", 54321, "Port to listen on")
	devserverCmd.Flags().String("driver", "sqlite", "Database driver: sqlite, mysql or postgres")
	devserverCmd.Flags().String("dsn", "", "Database DSN (default: in-memory sqlite)")

	tokenCmd.Flags().String("user", "", "User id to put in the sub claim")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(devserverCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(configCmd)
}
