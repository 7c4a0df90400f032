package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

const chglogConfig = ".chglog/config.yml"

// ChangelogCmd renders CHANGELOG.md with git-chglog from conventional commits,
// using the templates under .chglog.
func ChangelogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "Generate or update CHANGELOG.md from git history",
		Long: `Generate CHANGELOG.md with git-chglog from conventional commits
(<type>[optional scope]: <description>).

Commit types are grouped as configured in .chglog/config.yml: feat, fix,
perf and refactor. Commits touching the card protocol should use the sdcard
scope, bus adapters their package name (spi, bitbang, gpio, adapter).

Examples:
  dev changelog
  dev changelog --next v0.2.0
  dev changelog --tag v0.1.0 --output CHANGES.md`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			next, _ := cmd.Flags().GetString("next")
			tag, _ := cmd.Flags().GetString("tag")

			if _, err := os.Stat(chglogConfig); err != nil {
				return fmt.Errorf("run from the repository root, %s not found: %w", chglogConfig, err)
			}
			if _, err := exec.LookPath("git-chglog"); err != nil {
				slog.Error("git-chglog not found in PATH, install it with:")
				slog.Info("  go install github.com/git-chglog/git-chglog/cmd/git-chglog@latest")
				return fmt.Errorf("git-chglog not installed: %w", err)
			}

			chglogArgs := []string{"--config", chglogConfig, "--output", output}
			if next != "" {
				chglogArgs = append(chglogArgs, "--next-tag", next)
			}
			if tag != "" {
				chglogArgs = append(chglogArgs, tag)
			}
			slog.Info("running git-chglog", "args", chglogArgs)
			gitChglog := exec.CommandContext(cmd.Context(), "git-chglog", chglogArgs...)
			gitChglog.Stdout = os.Stdout
			gitChglog.Stderr = os.Stderr
			if err := gitChglog.Run(); err != nil {
				return fmt.Errorf("failed to generate changelog: %w", err)
			}
			slog.Info("changelog generated", "output", output)
			return nil
		},
	}

	cmd.Flags().String("next", "", "next version tag (e.g. v0.2.0)")
	cmd.Flags().String("output", "CHANGELOG.md", "output file path")
	cmd.Flags().String("tag", "", "only render the given tag")

	return cmd
}
