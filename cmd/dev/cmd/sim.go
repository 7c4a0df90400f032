package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// SimCmd runs the cli selftest against a simulated card, optionally backed
// by an image file that is kept for inspection.
func SimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run the card selftest against the simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			image, _ := cmd.Flags().GetString("image")
			run := []string{"run", "./cmd/sdspi", "--adapter", "sim", "--kind", kind}
			if image != "" {
				run = append(run, "--image", image)
			}
			run = append(run, "selftest", "--yes")
			slog.Info("running selftest", "kind", kind, "image", image)
			c := exec.CommandContext(cmd.Context(), "go", run...)
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			if err := c.Run(); err != nil {
				return fmt.Errorf("selftest failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("kind", "sdhc", "simulated card kind: sdsc, sdhc or mmc")
	cmd.Flags().String("image", "", "card image file")
	return cmd
}
