package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sharefs/internal/daemon"
	"sharefs/internal/share"
)

var sharesCmd = &cobra.Command{
	Use:   "shares",
	Short: "List configured shares",
	Long:  `Lists the shares defined in the shares file, with their export paths and access modes.`,
	Args:  cobra.NoArgs,
	RunE:  runShares,
}

func init() {
	rootCmd.AddCommand(sharesCmd)
}

func runShares(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	registry, err := share.LoadFile(settings.SharesPath())
	if errors.Is(err, os.ErrNotExist) {
		fmt.Printf("No shares file at %s\n", settings.SharesPath())
		fmt.Println("Run 'sharefs config init' to create one")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load shares: %w", err)
	}

	names := registry.Names()
	if len(names) == 0 {
		fmt.Println("No shares configured")
		fmt.Printf("Edit %s to add shares\n", settings.SharesPath())
		return nil
	}

	for _, name := range names {
		info, _ := registry.Get(name)
		mode := "read-only"
		if info.WriteAccess {
			mode = "read-write"
		}
		fmt.Printf("%-20s %-10s %s\n", name, mode, info.RootDir)
	}
	return nil
}
