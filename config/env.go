package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDebugEnv loads debug.env and then secret_debug.env from dir, the
// second one overriding the first. Both files are optional and only meant
// for running the app outside the platform.
func LoadDebugEnv(dir string) ([]string, error) {
	var loaded []string
	debugPath := filepath.Join(dir, "debug.env")
	if err := godotenv.Load(debugPath); err == nil {
		loaded = append(loaded, debugPath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return loaded, err
	}
	secretPath := filepath.Join(dir, "secret_debug.env")
	if _, err := os.Stat(secretPath); err != nil {
		return loaded, nil
	}
	if err := godotenv.Overload(secretPath); err != nil {
		return loaded, err
	}
	return append(loaded, secretPath), nil
}
