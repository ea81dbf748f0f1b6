package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"prospector/internal/prompt"
)

// promptsCmd inspects the prompt registry as the engine would load it:
// builtins overlaid with the files in --prompts.
var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Inspect the active prompt templates",
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompt ids and versions",
	RunE:  listPrompts,
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the template text a run would use",
	Args:  cobra.ExactArgs(1),
	RunE:  showPrompt,
}

func init() {
	promptsCmd.AddCommand(promptsListCmd)
	promptsCmd.AddCommand(promptsShowCmd)
}

func listPrompts(cmd *cobra.Command, args []string) error {
	reg, err := prompt.NewRegistry(promptsDir)
	if err != nil {
		return err
	}
	set := reg.Current()
	snaps := set.Snapshots()
	for _, id := range set.IDs() {
		fmt.Printf("%-24s v%s\n", id, snaps[id].Version)
	}
	return nil
}

func showPrompt(cmd *cobra.Command, args []string) error {
	reg, err := prompt.NewRegistry(promptsDir)
	if err != nil {
		return err
	}
	tmpl, ok := reg.Current().Templates()[args[0]]
	if !ok {
		return fmt.Errorf("unknown prompt %q", args[0])
	}
	fmt.Println(tmpl)
	return nil
}
