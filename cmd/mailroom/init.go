package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/mailroom/examples"
)

// runInit prepares a mailroom working directory: a data directory and
// an example config.yaml. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing mailroom in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", dataDir)

	configPath := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(configPath, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to add your accounts, then run: mailroom serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. Reports whether it wrote anything.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	// Credentials usually end up in this file.
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
