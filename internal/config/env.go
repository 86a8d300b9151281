package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}
