package hostipc

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// RuntimeDir returns the per-user directory holding host endpoints.
// Prefers $XDG_RUNTIME_DIR/mterm, falling back to ~/.mterm/run.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "mterm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mterm")
	}
	return filepath.Join(home, ".mterm", "run")
}

// ServerEndpointName derives the IPC endpoint for a session. On Unix this
// is a socket path under RuntimeDir; on Windows a named pipe.
func ServerEndpointName(sessionID string) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf(`\\.\pipe\mthost-%s-%d`, sessionID, os.Getpid())
	}
	return filepath.Join(RuntimeDir(), "mthost-"+sessionID+".sock")
}

// EnsureRuntimeDir creates the runtime directory with owner-only access.
func EnsureRuntimeDir() (string, error) {
	dir := RuntimeDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("hostipc: create runtime dir: %w", err)
	}
	return dir, nil
}
