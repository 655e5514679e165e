package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nickcecere/facesync/internal/install"
	"github.com/nickcecere/facesync/internal/ui"
)

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install <target>",
	Short: "Register the facesync MCP server with a client",
	Long: `Add facesync to the MCP server list of a client application.

Targets: ` + strings.Join(install.TargetNames(), ", ") + `

The entry runs this binary with "mcp"; a --config flag given to this command
is passed along.

Examples:
  facesync install claude-code
  facesync install claude-desktop --config /etc/facesync/config.yaml`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: install.TargetNames(),
	RunE:      runInstall,
}

// uninstallCmd represents the uninstall command
var uninstallCmd = &cobra.Command{
	Use:       "uninstall <target>",
	Short:     "Remove the facesync MCP server from a client",
	Args:      cobra.ExactArgs(1),
	ValidArgs: install.TargetNames(),
	RunE:      runUninstall,
}

func runInstall(cmd *cobra.Command, args []string) error {
	target, err := install.Lookup(args[0])
	if err != nil {
		return err
	}

	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate facesync binary: %w", err)
	}

	serverArgs := []string{"mcp"}
	if cfgFile != "" {
		abs, err := filepath.Abs(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
		serverArgs = append(serverArgs, "--config", abs)
	}

	if err := install.Install(target, bin, serverArgs); err != nil {
		return err
	}

	fmt.Println(ui.Success.Render("Installed facesync into " + target.Name))
	fmt.Printf("Config updated: %s\n", target.Path)
	fmt.Println(ui.Dim.Render("Restart the client to pick up the new server."))
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	target, err := install.Lookup(args[0])
	if err != nil {
		return err
	}

	removed, err := install.Uninstall(target)
	if err != nil {
		return err
	}
	if !removed {
		fmt.Printf("facesync is not installed in %s\n", target.Name)
		return nil
	}
	fmt.Println(ui.Success.Render("Removed facesync from " + target.Name))
	return nil
}
