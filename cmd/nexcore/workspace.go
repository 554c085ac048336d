package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexcore/internal/logger"
	"github.com/aatumaykin/nexcore/internal/workspace"
)

var cleanupMaxInactive time.Duration

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Inspect and clean up workspaces",
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces with their size and last use",
	Args:  cobra.NoArgs,
	RunE:  runWorkspaceList,
}

var workspaceCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete workspaces that have been idle for too long",
	Args:  cobra.NoArgs,
	RunE:  runWorkspaceCleanup,
}

// openWorkspaces loads the workspaces under the configured root.
func openWorkspaces() (*workspace.Manager, time.Duration, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, 0, err
	}
	m := workspace.NewManager(workspace.Options{Root: cfg.Workspace.Root}, nil, logger.Discard())
	if _, err := m.Load(); err != nil {
		return nil, 0, err
	}
	return m, cfg.Workspace.MaxInactive(), nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	m, _, err := openWorkspaces()
	if err != nil {
		return err
	}

	list := m.List()
	if len(list) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no workspaces under %s\n", m.Root())
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSIZE\tQUOTA\tLAST USED\tPATH")
	for _, ws := range list {
		size := "?"
		if n, err := m.Size(ws.ID); err == nil {
			size = humanize.IBytes(uint64(n))
		}
		quota := "-"
		if ws.Config.MaxTotalSize > 0 {
			quota = humanize.IBytes(uint64(ws.Config.MaxTotalSize))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ws.ID, size, quota, humanize.Time(ws.LastUsed), ws.Path)
	}
	return w.Flush()
}

func runWorkspaceCleanup(cmd *cobra.Command, args []string) error {
	m, maxAge, err := openWorkspaces()
	if err != nil {
		return err
	}
	if cleanupMaxInactive > 0 {
		maxAge = cleanupMaxInactive
	}

	deleted, err := m.CleanupInactive(maxAge)
	for _, id := range deleted {
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s removed (inactive for more than %s)\n",
		humanize.Comma(int64(len(deleted)))+" workspace(s)", maxAge)
	return err
}

func init() {
	workspaceCleanupCmd.Flags().DurationVar(&cleanupMaxInactive, "max-inactive", 0, "override workspace.max_inactive_hours")

	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceCleanupCmd)
}
