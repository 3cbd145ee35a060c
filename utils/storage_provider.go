package utils

import (
	"os"
	"strings"
)

const (
	StorageProviderGCS      = "gcs"
	StorageProviderFirebase = "firebase"
	StorageProviderLocal    = "local"
)

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderGCS
	}
	return provider
}

func GetStorageBucket() string {
	return strings.TrimSpace(os.Getenv("GCS_BUCKET"))
}
