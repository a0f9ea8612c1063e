package config

import "path/filepath"

func parentDir(path string) string {
	return filepath.Dir(path)
}

func base(path string) string {
	return filepath.Base(path)
}
