package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// EnsureCLISettings forces the CLI into API-key login so it never prompts
// for an interactive OAuth flow. Existing settings are preserved.
func EnsureCLISettings(userHome string) (string, error) {
	dir := filepath.Join(userHome, ".claude")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create claude settings dir: %w", err)
	}
	path := filepath.Join(dir, "settings.json")

	settings := map[string]any{}
	if raw, err := os.ReadFile(path); err == nil {
		// An unreadable file is replaced.
		_ = json.Unmarshal(raw, &settings)
	}
	settings["forceLoginMethod"] = "console"
	settings["hasCompletedOnboarding"] = true

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode claude settings: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", fmt.Errorf("write claude settings: %w", err)
	}
	return path, nil
}
