package browser

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

// LoadCookieFile reads cookies saved by SaveCookieFile. A missing file is
// not an error and yields no cookies.
func LoadCookieFile(path string) ([]Cookie, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie file: %w", err)
	}
	var cookies []Cookie
	if err := jsoniter.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("failed to decode cookie file %s: %w", path, err)
	}
	return cookies, nil
}

// SaveCookieFile writes cookies atomically with owner-only permissions.
func SaveCookieFile(path string, cookies []Cookie) error {
	if cookies == nil {
		cookies = []Cookie{}
	}
	data, err := jsoniter.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create cookie directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace cookie file: %w", err)
	}
	return nil
}
