// Package install registers the facesync MCP server with MCP clients that
// keep their server list in a JSON config file.
package install

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
)

// ServerName is the entry name written into client configs.
const ServerName = "facesync"

// Target is one MCP client config file.
type Target struct {
	Name string
	Path string
	// Section is the top-level key that holds server entries.
	Section string
	entry   func(command string, args []string) map[string]any
}

// Targets returns the supported clients keyed by their CLI name.
func Targets(home string) map[string]Target {
	desktop := filepath.Join(home, ".config", "Claude")
	if runtime.GOOS == "darwin" {
		desktop = filepath.Join(home, "Library", "Application Support", "Claude")
	}

	stdio := func(command string, args []string) map[string]any {
		return map[string]any{"command": command, "args": args}
	}

	return map[string]Target{
		"claude-code": {
			Name:    "Claude Code",
			Path:    filepath.Join(home, ".claude.json"),
			Section: "mcpServers",
			entry:   stdio,
		},
		"claude-desktop": {
			Name:    "Claude Desktop",
			Path:    filepath.Join(desktop, "claude_desktop_config.json"),
			Section: "mcpServers",
			entry:   stdio,
		},
		"opencode": {
			Name:    "OpenCode",
			Path:    filepath.Join(home, ".config", "opencode", "opencode.json"),
			Section: "mcp",
			entry: func(command string, args []string) map[string]any {
				return map[string]any{
					"type":    "local",
					"command": append([]string{command}, args...),
					"enabled": true,
				}
			},
		},
	}
}

// TargetNames returns the sorted CLI names of the supported clients.
func TargetNames() []string {
	var names []string
	for name := range Targets("") {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the target called name under the user's home directory.
func Lookup(name string) (Target, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Target{}, fmt.Errorf("failed to find home directory: %w", err)
	}
	t, ok := Targets(home)[name]
	if !ok {
		return Target{}, fmt.Errorf("unknown target %q (supported: %v)", name, TargetNames())
	}
	return t, nil
}

// Install adds or replaces the facesync entry. The server is started as
// command with args, e.g. "facesync" ["mcp", "--config", path].
func Install(t Target, command string, args []string) error {
	cfg, err := readConfig(t.Path)
	if err != nil {
		return err
	}

	servers, _ := cfg[t.Section].(map[string]any)
	if servers == nil {
		servers = make(map[string]any)
	}
	servers[ServerName] = t.entry(command, args)
	cfg[t.Section] = servers

	if err := os.MkdirAll(filepath.Dir(t.Path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfig(t.Path, cfg)
}

// Uninstall removes the facesync entry and reports whether one was present.
func Uninstall(t Target) (bool, error) {
	if _, err := os.Stat(t.Path); os.IsNotExist(err) {
		return false, nil
	}

	cfg, err := readConfig(t.Path)
	if err != nil {
		return false, err
	}

	servers, _ := cfg[t.Section].(map[string]any)
	if _, ok := servers[ServerName]; !ok {
		return false, nil
	}
	delete(servers, ServerName)
	return true, writeConfig(t.Path, cfg)
}

// readConfig returns the parsed config, or an empty one if the file does
// not exist.
func readConfig(path string) (map[string]any, error) {
	cfg := make(map[string]any)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse existing config %s: %w", path, err)
	}
	return cfg, nil
}

func writeConfig(path string, cfg map[string]any) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
