package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/timebridge/timebridge/internal/creds"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Store a user's Toggl API key",
	Long: `Connect validates a Toggl API key against the Toggl account endpoint,
seals it, and stores it for the given user. The key is prompted without
echo unless --api-key is passed.`,
	Example: `  timebridge connect --user usr_123
  timebridge connect --user usr_123 --api-key <key>`,
	RunE: runConnect,
}

var (
	connectUser   string
	connectAPIKey string
)

func init() {
	rootCmd.AddCommand(connectCmd)

	connectCmd.Flags().StringVarP(&connectUser, "user", "u", "", "User id (required)")
	connectCmd.Flags().StringVar(&connectAPIKey, "api-key", "", "Toggl API key (will prompt if not provided)")

	_ = connectCmd.MarkFlagRequired("user")
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	apiKey := connectAPIKey
	if apiKey == "" {
		var err error
		apiKey, err = promptSecret("Toggl API key: ")
		if err != nil {
			return fmt.Errorf("read api key: %w", err)
		}
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return fmt.Errorf("api key is empty")
	}

	// Validate before storing.
	me, err := apiClient.Toggl.Me(ctx, apiKey)
	if err != nil {
		if !jsonOutput {
			printError("Key rejected by Toggl: %v", err)
		}
		return fmt.Errorf("validate api key: %w", err)
	}

	sealKey, err := apiClient.SealKey()
	if err != nil {
		return err
	}
	sealed, err := creds.Seal(apiKey, sealKey)
	if err != nil {
		return fmt.Errorf("seal api key: %w", err)
	}
	if err := apiClient.Store.SetTogglKey(connectUser, sealed); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":          true,
			"user":             connectUser,
			"togglEmail":       me.Email,
			"defaultWorkspace": me.DefaultWorkspaceID,
		})
		return nil
	}

	printSuccess("Connected %s to Toggl account %s (workspace %d)",
		connectUser, me.Email, me.DefaultWorkspaceID)
	return nil
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}
