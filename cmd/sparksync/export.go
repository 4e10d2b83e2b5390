package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/sparkchat/sparksync/internal/db"
	"github.com/sparkchat/sparksync/internal/schema"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Export local conversations",
	Long: `Write local conversations as markdown, JSON or YAML.

--since accepts timestamps ("2026-01-02T15:04:05Z") or natural language
("yesterday", "last monday", "3 days ago").`,
	Example: `  sparksync export --format markdown > chats.md
  sparksync export --format json --since "last week"`,
	Run: func(cmd *cobra.Command, args []string) {
		formatName, _ := cmd.Flags().GetString("format")
		sinceText, _ := cmd.Flags().GetString("since")
		output, _ := cmd.Flags().GetString("output")

		format, err := schema.ParseFormat(formatName)
		if err != nil {
			fatalf("%v", err)
		}

		var since time.Time
		if sinceText != "" {
			since, err = parseSince(sinceText, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
		}

		database, err := db.Open(cfg.DBPath)
		if err != nil {
			fatalf("%v", err)
		}
		defer database.Close()
		if err := database.InitSchema(); err != nil {
			fatalf("%v", err)
		}

		convs, err := database.ListConversations(cmd.Context())
		if err != nil {
			fatalf("%v", err)
		}
		convs = activeSince(convs, since)

		w := bufio.NewWriter(os.Stdout)
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				fatalf("%v", err)
			}
			defer f.Close()
			w = bufio.NewWriter(f)
		}
		if err := schema.Export(w, convs, format); err != nil {
			fatalf("export failed: %v", err)
		}
		if err := w.Flush(); err != nil {
			fatalf("export failed: %v", err)
		}
		if output != "" {
			fmt.Fprintf(os.Stderr, "Exported %d conversations to %s\n", len(convs), output)
		}
	},
}

// parseSince accepts an ISO-8601 timestamp or a natural-language date
// relative to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	if t, err := schema.ParseTimestamp(text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", text, err)
	}
	if r == nil || strings.TrimSpace(r.Text) == "" {
		return time.Time{}, fmt.Errorf("invalid --since %q: no date found", text)
	}
	return r.Time, nil
}

// activeSince keeps conversations created or with a message at or after
// since. A zero since keeps everything.
func activeSince(convs []*schema.Conversation, since time.Time) []*schema.Conversation {
	if since.IsZero() {
		return convs
	}
	var out []*schema.Conversation
	for _, c := range convs {
		keep := !c.CreatedAt.Before(since)
		for _, m := range c.Messages {
			if !m.Timestamp.Before(since) {
				keep = true
				break
			}
		}
		if keep {
			out = append(out, c)
		}
	}
	return out
}

func init() {
	exportCmd.Flags().StringP("format", "f", "markdown", "Output format: markdown, json or yaml")
	exportCmd.Flags().String("since", "", "Only conversations active since this date")
	exportCmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
