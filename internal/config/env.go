package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file into the environment. Missing files are
// ignored to keep startup flexible; variables already set win over the
// file.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}
