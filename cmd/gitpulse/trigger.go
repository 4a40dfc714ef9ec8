package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/runner"
)

var triggerParams string

var triggerCmd = &cobra.Command{
	Use:   "trigger <pipeline-type>",
	Short: "Run one pipeline immediately and wait for it to finish",
	Long: `Runs a single pipeline synchronously in this process, honoring the
same concurrency guard as the daemon. Types: ` + fmt.Sprint(runner.PipelineTypes()),
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerParams, "params", "", "JSON parameters passed to the run")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pipelineType := args[0]

	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	var params models.JSONText
	if triggerParams != "" {
		params = models.JSONText(triggerParams)
	}

	result, err := r.Exec.Run(ctx, pipelineType, params)
	if err != nil {
		return err
	}

	fmt.Printf("run %s finished: %s, %d items processed\n",
		result.RunID, result.Status, result.ItemsProcessed)
	for stage, stageErr := range result.Failures {
		fmt.Printf("  stage %s: %v\n", stage, stageErr)
	}
	if result.Status == models.RunStatusFailed {
		return fmt.Errorf("run failed")
	}
	return nil
}
