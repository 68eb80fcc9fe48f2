package backup

import (
	"fmt"
	"os"
	"path/filepath"
)

const backupFilePermission = 0600

// WriteFile writes data to path atomically: a temporary file in the same
// directory is synced and then renamed over path.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.Chmod(backupFilePermission); err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	log.Debugf("Wrote %d bytes to %v", len(data), path)
	return nil
}

// WriteArtifact encodes a and writes it to path, sealed under password
// when one is given.
func WriteArtifact(path string, a *Artifact, password []byte) error {
	var (
		data []byte
		err  error
	)
	if len(password) > 0 {
		data, err = Seal(a, password)
	} else {
		data, err = a.Marshal()
	}
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// ReadFile reads the artifact at path. A sealed artifact is opened with
// password; ErrPasswordRequired is returned when none is given.
func ReadFile(path string, password []byte) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data, password)
}

// Load parses a plain or sealed artifact.
func Load(data, password []byte) (*Artifact, error) {
	if IsSealed(data) {
		return Unseal(data, password)
	}
	return ParseArtifact(data)
}
