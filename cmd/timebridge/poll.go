package main

import (
	"context"

	"github.com/spf13/cobra"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one polling pass over all connected Toggl accounts",
	RunE:  runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)
}

func runPoll(cmd *cobra.Command, args []string) error {
	sum, err := apiClient.Poller.Run(context.Background())
	if err != nil {
		if !jsonOutput {
			printError("Poll failed: %v", err)
		}
		return err
	}

	if jsonOutput {
		printJSON(sum)
		return nil
	}

	printSuccess("Polled %d/%d users, enqueued %d jobs",
		sum.UsersProcessed, sum.UsersScanned, sum.JobsEnqueued)
	return nil
}
