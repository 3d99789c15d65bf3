package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// PermSecretFile is the mode of key files.
	PermSecretFile os.FileMode = 0600
	// PermSecretDir is the mode of directories created for key files.
	PermSecretDir os.FileMode = 0700
)

var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
)

// WriteSecretFile replaces path with data, mode 0600. The content goes to a
// temporary file in the same directory and is renamed into place, so a
// crash never leaves a truncated key behind.
func WriteSecretFile(path string, data []byte) (err error) {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, PermSecretDir); err != nil {
		return fmt.Errorf("security: create key dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("security: create temp key: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(PermSecretFile); err != nil {
		return fmt.Errorf("security: chmod temp key: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("security: write key: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("security: sync key: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("security: close key: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("security: install key: %w", err)
	}
	return nil
}

// ReadSecureFile reads a key file, refusing files that group or others can
// access and files larger than maxSize (when positive). A missing file is
// reported with an error matching fs.ErrNotExist.
func ReadSecureFile(path string, maxSize int64) ([]byte, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("security: %s is not a regular file: %w", path, fs.ErrInvalid)
	}

	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o, want %04o",
				ErrInsecurePermissions, path, mode, PermSecretFile)
		}
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, info.Size(), maxSize)
	}
	return os.ReadFile(path)
}
