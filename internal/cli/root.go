package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "txloop",
	Short: "Run PostgreSQL work inside a retrying transaction loop",
	Long: `txloop runs a unit of work inside a serializable transaction and retries it
when PostgreSQL reports a transient conflict (serialization failure,
deadlock), waiting a randomized, exponentially growing delay between
attempts.

Exit Codes:
  0   - Success
  1   - General error (the statement failed)
  2   - CLI usage error (invalid arguments or flags)
  3   - Panic or unexpected system error
  10  - Invalid configuration
  11  - Database connection failed
  12  - Transaction lifecycle violated
  13  - Commit failed
  14  - Abort failed during cleanup
  130 - Interrupted or timed out`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		printVersionInfo()
		return nil
	}
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output for all commands")
}

// getVerboseFlag safely retrieves the verbose flag value
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to get verbose flag: %v\n", err)
		return false
	}
	return verbose
}
