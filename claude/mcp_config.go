package claude

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeMCPConfig writes the MCP config the CLI loads via --mcp-config. It
// points the "tether" server at this same binary's mcp-server subcommand,
// which relays permission prompts back over the Unix socket.
func writeMCPConfig(sessionID, socketPath string) (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}

	config := map[string]any{
		"mcpServers": map[string]any{
			"tether": map[string]any{
				"command": execPath,
				"args":    []string{"mcp-server", "--socket", socketPath},
			},
		},
	}

	configJSON, err := json.Marshal(config)
	if err != nil {
		return "", err
	}

	configPath := filepath.Join(os.TempDir(), fmt.Sprintf("tether-mcp-%s.json", sessionID))
	if err := os.WriteFile(configPath, configJSON, 0600); err != nil {
		return "", err
	}

	return configPath, nil
}
