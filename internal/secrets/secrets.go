package secrets

import (
	"fmt"
	"os"
	"strings"
)

// GetSecret resolves envKey, preferring the Docker secrets form envKey_FILE
// (a path whose trimmed contents are the value) over the plain variable.
// The database DSN is the only secret this service reads.
func GetSecret(envKey string, defaultValue string) (string, error) {
	if filePath := os.Getenv(envKey + "_FILE"); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("read secret file %s: %w", filePath, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if value := os.Getenv(envKey); value != "" {
		return value, nil
	}

	return defaultValue, nil
}

// GetOptionalSecret is GetSecret that falls back to defaultValue on error
func GetOptionalSecret(envKey string, defaultValue string) string {
	value, err := GetSecret(envKey, defaultValue)
	if err != nil {
		return defaultValue
	}
	return value
}
