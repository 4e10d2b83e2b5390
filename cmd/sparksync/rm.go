package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sparkchat/sparksync/internal/schema"
	"github.com/sparkchat/sparksync/internal/ui"
)

var rmCmd = &cobra.Command{
	Use:     "rm",
	GroupID: "data",
	Short:   "Delete a conversation or message locally and remotely",
	Long: `Delete an entity from the local store, then from the backend.

The remote delete is retried (retry.attempts, retry.delay) and runs in
order with any pending pulls, so a pull can never bring the entity back.
Deleting a conversation removes its messages too.`,
}

var rmConversationCmd = &cobra.Command{
	Use:   "conversation <id>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runDelete(cmd, "conversation", args[0])
	},
}

var rmMessageCmd = &cobra.Command{
	Use:   "message <id>",
	Short: "Delete a single message",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runDelete(cmd, "message", args[0])
	},
}

func runDelete(cmd *cobra.Command, kind, rawID string) {
	id, err := schema.NormalizeID(rawID)
	if err != nil {
		fatalf("%v", err)
	}
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		ok, err := confirm(fmt.Sprintf("Delete %s %s everywhere?", kind, id))
		if err != nil {
			fatalf("%v", err)
		}
		if !ok {
			fmt.Println("Aborted")
			return
		}
	}

	s, err := openStack(false)
	if err != nil {
		fatalf("%v", err)
	}
	defer s.Close()

	if kind == "conversation" {
		err = s.daemon.DeleteConversation(cmd.Context(), id)
	} else {
		err = s.daemon.DeleteMessage(cmd.Context(), id)
	}
	if err != nil {
		fatalf("delete %s %s: %v", kind, id, err)
	}
	fmt.Printf("%s Deleted %s %s\n", ui.RenderPass("✓"), kind, id)
}

// confirm asks on an interactive terminal. Without one it refuses, so
// scripts must pass --yes.
func confirm(title string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("stdin is not a terminal; pass --yes to confirm")
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Delete").
		Negative("Cancel").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func init() {
	rmCmd.PersistentFlags().BoolP("yes", "y", false, "Do not ask for confirmation")
	rmCmd.AddCommand(rmConversationCmd)
	rmCmd.AddCommand(rmMessageCmd)
	rootCmd.AddCommand(rmCmd)
}
