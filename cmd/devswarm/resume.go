package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <stage>",
	Short: "Rewind the pipeline to a checkpointed stage",
	Long: `Resume discards every checkpoint recorded after the given stage,
deletes their artifact snapshots, and prints the artifacts that remain
available. Task state is untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	mgr, db, err := openCheckpointManager()
	if err != nil {
		return err
	}
	defer db.Close()

	refs, err := mgr.ResumeFrom(args[0])
	if err != nil {
		return err
	}
	color.Green("resumed from stage %s", args[0])
	if len(refs) == 0 {
		fmt.Println("no artifacts recorded up to this stage")
		return nil
	}
	fmt.Println("available artifacts:")
	for _, ref := range refs {
		fmt.Printf("  %s\n", ref)
	}
	return nil
}
