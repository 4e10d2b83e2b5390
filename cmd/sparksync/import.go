package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sparkchat/sparksync/internal/db"
	"github.com/sparkchat/sparksync/internal/schema"
	"github.com/sparkchat/sparksync/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Import conversations from a JSON or YAML export",
	Long: `Load conversations written by 'sparksync export --format json|yaml' into
the local store. Conversations and messages with matching ids are
replaced. JSON input may also hold one conversation per line.

Imported conversations are not pushed; run 'sparksync push --all' or
start the daemon afterwards.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := args[0]
		formatName, _ := cmd.Flags().GetString("format")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		if formatName == "" {
			formatName = formatFromExt(path)
		}
		format, err := schema.ParseFormat(formatName)
		if err != nil {
			fatalf("%v", err)
		}

		// #nosec G304 - controlled path from CLI
		f, err := os.Open(path)
		if err != nil {
			fatalf("failed to open %s: %v", path, err)
		}
		convs, err := schema.Import(f, format)
		f.Close()
		if err != nil {
			fatalf("%v", err)
		}

		messages := 0
		for _, c := range convs {
			messages += len(c.Messages)
		}
		if dryRun {
			fmt.Printf("Would import %d conversations (%d messages) into %s\n", len(convs), messages, cfg.DBPath)
			return
		}

		if backup {
			dest, err := backupFile(cfg.DBPath)
			if err != nil {
				fatalf("%v", err)
			}
			if dest != "" {
				fmt.Printf("Backed up database to %s\n", dest)
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

		for _, c := range convs {
			if err := database.SaveConversation(cmd.Context(), c); err != nil {
				fatalf("failed to import %s: %v", c.ID, err)
			}
		}
		fmt.Printf("%s Imported %d conversations (%d messages)\n", ui.RenderPass("✓"), len(convs), messages)
	},
}

func formatFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return string(schema.FormatYAML)
	default:
		return string(schema.FormatJSON)
	}
}

// backupFile copies path next to itself with a timestamp suffix. A
// missing file needs no backup.
func backupFile(path string) (string, error) {
	// #nosec G304 - controlled path from config
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read database for backup: %w", err)
	}
	defer src.Close()

	dest := path + ".backup." + time.Now().Format("20060102-150405")
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return dest, out.Close()
}

func init() {
	importCmd.Flags().StringP("format", "f", "", "Input format: json or yaml (default: from extension)")
	importCmd.Flags().Bool("dry-run", false, "Parse and validate without writing")
	importCmd.Flags().Bool("backup", true, "Copy the database before importing")
	rootCmd.AddCommand(importCmd)
}
