package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/skaldhq/skald/internal/defaults"
	defaultplaybooks "github.com/skaldhq/skald/playbooks"
)

// runInit initializes a Skald working directory with default files.
// It creates the directory structure, writes the example config, and
// copies the bundled playbooks where they can be edited. Existing
// files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Skald workspace in %s\n", dir)

	// Create the base directory and subdirectories.
	for _, sub := range []string{"blobs", "playbooks"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config holds API keys, so keep it private to the owner.
	configPath := filepath.Join(dir, "skald.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	// Copy the bundled playbooks. Edits here override the embedded
	// versions at load time.
	err := fs.WalkDir(defaultplaybooks.FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}

		content, err := fs.ReadFile(defaultplaybooks.FS, path)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", path, err)
		}

		destPath := filepath.Join(dir, "playbooks", d.Name())
		return writeIfMissing(w, destPath, content, 0o644)
	})
	if err != nil {
		return fmt.Errorf("install playbooks: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit skald.yaml (set your model API key), then run: skald serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations. The
// outcome is reported on w either way.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(w, "  - %s exists, skipping\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	_, werr := f.Write(content)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("write %s: %w", path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("write %s: %w", path, cerr)
	}

	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
