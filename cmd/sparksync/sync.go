package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sparkchat/sparksync/internal/daemon"
	"github.com/sparkchat/sparksync/internal/db"
	"github.com/sparkchat/sparksync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run sync in the foreground",
	Long: `Run the sync daemon until interrupted.

The daemon:
  1. Pulls and merges right away, then every poll_interval
  2. Subscribes to realtime changes on conversations and messages
  3. Pulls again whenever a change notification arrives

Stop with Ctrl+C; an operation already running finishes first.`,
	Run: func(cmd *cobra.Command, args []string) {
		s, err := openStack(true)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		if s.watcher != nil {
			s.watcher.OnChange(func(token string) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := s.listener.UpdateToken(ctx, token); err != nil {
					fmt.Fprintf(os.Stderr, "%s failed to forward refreshed token: %v\n", ui.RenderWarn("Warning:"), err)
				}
			})
			if err := s.watcher.Start(); err != nil {
				fatalf("failed to watch token file: %v", err)
			}
		}

		cancelEvents := s.daemon.Subscribe(func(e daemon.Event) {
			switch e.Type {
			case daemon.EventPullCompleted:
				if e.Pull != nil && (e.Pull.NewConversations > 0 || e.Pull.NewMessages > 0 || e.Pull.TitleUpdates > 0) {
					fmt.Printf("%s pulled %d new conversations, %d new messages, %d titles\n",
						ui.RenderPass("✓"), e.Pull.NewConversations, e.Pull.NewMessages, e.Pull.TitleUpdates)
				}
			case daemon.EventPullFailed, daemon.EventPushFailed, daemon.EventDeleteFailed:
				fmt.Printf("%s %s: %v\n", ui.RenderWarn("⚠"), e.Type, e.Err)
			}
		})
		defer cancelEvents()

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		ui.KV(os.Stdout,
			[2]string{"Backend", cfg.URL},
			[2]string{"Realtime", cfg.RealtimeURL},
			[2]string{"Database", cfg.DBPath},
			[2]string{"Poll", cfg.PollInterval.String()},
			[2]string{"Policy", s.syncer.Policy().String()},
		)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := s.daemon.Run(ctx); err != nil {
			fatalf("daemon stopped with error: %v", err)
		}
		fmt.Println("Sync daemon stopped")
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Run one pull-and-merge pass",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := openStack(false)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		res, err := s.daemon.PullNow(cmd.Context())
		if err != nil && !res.Committed {
			fatalf("pull failed: %v", err)
		}
		if err != nil {
			fmt.Printf("%s partial pull: %v\n", ui.RenderWarn("⚠"), err)
		} else {
			fmt.Printf("%s Pull complete in %v\n", ui.RenderPass("✓"), res.Duration.Round(time.Millisecond))
		}
		ui.KV(os.Stdout,
			[2]string{"Conversations fetched", fmt.Sprint(res.Fetched)},
			[2]string{"New conversations", fmt.Sprint(res.NewConversations)},
			[2]string{"Title updates", fmt.Sprint(res.TitleUpdates)},
			[2]string{"New messages", fmt.Sprint(res.NewMessages)},
		)
	},
}

var pushCmd = &cobra.Command{
	Use:     "push [conversation-id]",
	GroupID: "sync",
	Short:   "Upsert conversations to the backend",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			fatalf("give either a conversation id or --all")
		}

		s, err := openStack(false)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		if all {
			n, err := s.daemon.PushAllNow(cmd.Context())
			if err != nil {
				fatalf("pushed %d conversations before failing: %v", n, err)
			}
			fmt.Printf("%s Pushed %d conversations\n", ui.RenderPass("✓"), n)
			return
		}

		if err := s.daemon.PushNow(cmd.Context(), args[0]); err != nil {
			fatalf("push failed: %v", err)
		}
		fmt.Printf("%s Pushed %s\n", ui.RenderPass("✓"), args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "data",
	Short:   "Show local store status",
	Run: func(cmd *cobra.Command, args []string) {
		info, err := os.Stat(cfg.DBPath)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Local store not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'sparksync pull' to create it\n\n")
			return
		}
		if err != nil {
			fatalf("checking store: %v", err)
		}

		database, err := db.Open(cfg.DBPath)
		if err != nil {
			fatalf("%v", err)
		}
		defer database.Close()
		if err := database.InitSchema(); err != nil {
			fatalf("%v", err)
		}

		stats, err := database.GetStatsContext(cmd.Context())
		if err != nil {
			fatalf("reading stats: %v", err)
		}

		policy := "invalid"
		if p, err := cfg.MergePolicy(); err == nil {
			policy = p.String()
		}

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\n%s\n\n", ui.Header("Local Store"))
		ui.KV(os.Stdout,
			[2]string{"Location", cfg.DBPath},
			[2]string{"Size", sizeStr},
			[2]string{"Conversations", fmt.Sprint(stats.Conversations)},
			[2]string{"Messages", fmt.Sprint(stats.Messages)},
			[2]string{"Attachments", fmt.Sprint(stats.Attachments)},
			[2]string{"Modified", info.ModTime().Format("2006-01-02 15:04:05")},
			[2]string{"Backend", orNone(cfg.URL)},
			[2]string{"Policy", policy},
		)
		fmt.Println()
	},
}

func init() {
	pushCmd.Flags().Bool("all", false, "Push every local conversation")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(statusCmd)
}

func orNone(s string) string {
	if s == "" {
		return ui.RenderMuted("(not configured)")
	}
	return s
}
