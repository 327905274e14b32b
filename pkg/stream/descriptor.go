package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Descriptor is the connection-descriptor file UI clients read to discover
// the server. Written with owner-only permissions on start, deleted on
// stop.
type Descriptor struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	AuthToken string `json:"auth_token"`
	Protocol  string `json:"protocol"`
	Version   string `json:"version"`
}

// writeDescriptor persists the descriptor atomically at path.
func writeDescriptor(path string, d Descriptor) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create descriptor dir: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename descriptor: %w", err)
	}
	return nil
}

// ReadDescriptor loads a descriptor, for clients and tests.
func ReadDescriptor(path string) (Descriptor, error) {
	var d Descriptor
	data, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("read descriptor: %w", err)
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parse descriptor: %w", err)
	}
	return d, nil
}

// removeDescriptor deletes the file on stop. A stale descriptor only
// affects discovery, so failures are logged and not returned.
func removeDescriptor(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove connection descriptor", "path", path, "error", err)
	}
}
