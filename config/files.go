package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	maxFileSize = 1 << 20
	maxEnvLen   = 10000
)

// readConfigFile reads a .yaml, .yml or .json file of at most maxFileSize
// bytes. Relative paths may not climb out of the working directory.
func readConfigFile(path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !slices.Contains([]string{".yaml", ".yml", ".json"}, ext) {
		return nil, fmt.Errorf("config file %s: want .yaml, .yml or .json", path)
	}
	if !filepath.IsAbs(path) && !filepath.IsLocal(path) {
		return nil, fmt.Errorf("config file %s: relative path leaves the working directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config file %s: not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("config file %s: larger than %d bytes", path, maxFileSize)
	}
	return data, nil
}

// checkEnv rejects values no setting could legitimately hold.
func checkEnv(key, value string) error {
	switch {
	case len(value) > maxEnvLen:
		return fmt.Errorf("%s: value longer than %d bytes", key, maxEnvLen)
	case strings.ContainsRune(value, 0):
		return fmt.Errorf("%s: value contains a NUL byte", key)
	}
	return nil
}
