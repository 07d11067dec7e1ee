package main

import (
	"context"

	"github.com/spf13/cobra"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Drain due outbox jobs",
	Long: `Work claims and executes due jobs one at a time until the queue is
empty or the --max limit is reached. Handler failures are committed to
the job row (backoff retry or dead-letter) and do not stop the drain.`,
	RunE: runWork,
}

var workMax int

func init() {
	rootCmd.AddCommand(workCmd)
	workCmd.Flags().IntVar(&workMax, "max", 50, "Maximum jobs to process in one run")
}

func runWork(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	processed := 0
	failed := 0
	for i := 0; i < workMax; i++ {
		res, err := apiClient.Dispatcher.RunOne(ctx)
		if err != nil {
			if !jsonOutput {
				printError("Dispatch failed: %v", err)
			}
			return err
		}
		if res.Processed == 0 && res.Err == nil {
			break
		}
		processed += res.Processed
		if res.Err != nil {
			failed++
			if !jsonOutput {
				printError("Job %s failed: %v", res.Kind, res.Err)
			}
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"processed": processed,
			"failed":    failed,
		})
		return nil
	}

	printSuccess("Processed %d jobs (%d failed)", processed, failed)
	return nil
}
