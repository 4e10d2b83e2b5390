package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/sparkchat/sparksync/internal/loadtest"
	"github.com/sparkchat/sparksync/internal/queue"
	"github.com/sparkchat/sparksync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:         "loadtest",
	GroupID:     "dev",
	Short:       "Measure sync latency against an in-process dev server",
	Annotations: map[string]string{annotationNoConfig: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		conversations, _ := cmd.Flags().GetInt("conversations")
		messages, _ := cmd.Flags().GetInt("messages")
		producers, _ := cmd.Flags().GetInt("producers")
		pushes, _ := cmd.Flags().GetInt("pushes")
		pulls, _ := cmd.Flags().GetInt("pulls")

		dir, err := os.MkdirTemp("", "sparksync-loadtest-")
		if err != nil {
			fatalf("%v", err)
		}
		defer os.RemoveAll(dir)

		gin.SetMode(gin.ReleaseMode)
		env, err := loadtest.NewEnvironment(dir, sink.New("loadtest"))
		if err != nil {
			fatalf("%v", err)
		}
		defer env.Close()

		ctx := context.Background()
		fmt.Printf("Seeding %d conversations x %d messages...\n", conversations, messages)
		if err := env.Seed(ctx, conversations, messages); err != nil {
			fatalf("%v", err)
		}

		fmt.Println(ui.Header("Concurrent pushes"))
		stats, err := env.RunConcurrentPushes(ctx, producers, pushes)
		if err != nil {
			fatalf("%v", err)
		}
		stats.Print(os.Stdout)

		fmt.Println(ui.Header("Pulls"))
		stats, err = env.RunPulls(ctx, pulls)
		if err != nil {
			fatalf("%v", err)
		}
		stats.Print(os.Stdout)

		fmt.Println(ui.Header("Queue ordering"))
		q := queue.New(&queue.Config{Capacity: producers * pushes, Logger: sink.New("queue")})
		defer q.Close()
		if err := loadtest.VerifyOrdering(q, producers, pushes); err != nil {
			fatalf("queue ordering: %v", err)
		}
		fmt.Printf("%s %d producers x %d ops ran in order, one at a time\n", ui.RenderPass("✓"), producers, pushes)
	},
}

func init() {
	loadtestCmd.Flags().Int("conversations", 50, "Conversations to seed")
	loadtestCmd.Flags().Int("messages", 10, "Messages per conversation")
	loadtestCmd.Flags().Int("producers", 8, "Concurrent producers")
	loadtestCmd.Flags().Int("pushes", 25, "Pushes per producer")
	loadtestCmd.Flags().Int("pulls", 10, "Sequential pulls")
	rootCmd.AddCommand(loadtestCmd)
}
