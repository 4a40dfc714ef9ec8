package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/storage"
)

var statusHistory int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline states, entity counts, and recent runs",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusHistory, "history", 3, "recent runs shown per pipeline")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	statuses, err := store.ListPipelineStatuses(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Pipelines:")
	for _, st := range statuses {
		line := fmt.Sprintf("  %-14s %-10s", st.PipelineType, st.Status)
		if st.LastRun != nil {
			line += "  last " + st.LastRun.Local().Format(time.DateTime)
		}
		if st.NextRun != nil {
			line += "  next " + st.NextRun.Local().Format(time.DateTime)
		}
		if st.LastError != nil {
			line += "  error: " + *st.LastError
		}
		fmt.Println(line)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nEntities: %d repositories, %d merge requests, %d contributors, %d commits\n",
		counts.Repositories, counts.MergeRequests, counts.Contributors, counts.Commits)

	for _, kind := range []string{models.RawKindRepository, models.RawKindPullRequest} {
		depth, err := store.RawDepth(ctx, kind)
		if err != nil {
			return err
		}
		if depth > 0 {
			fmt.Printf("Raw buffer %s: %d unprocessed\n", kind, depth)
		}
	}

	if statusHistory > 0 {
		fmt.Println("\nRecent runs:")
		for _, st := range statuses {
			hs, err := store.ListHistory(ctx, st.PipelineType, statusHistory)
			if err != nil {
				return err
			}
			for _, h := range hs {
				fmt.Printf("  %-14s %-10s %s  %d items\n",
					h.PipelineType, h.Status, h.StartedAt.Local().Format(time.DateTime), h.ItemsProcessed)
			}
		}
	}
	return nil
}
