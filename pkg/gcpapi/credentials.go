// Package gcpapi builds Google Cloud clients from an optional service
// account key file.
package gcpapi

import (
	"os"

	"github.com/pkg/errors"
)

// NewCredentials reads a service account key file. An empty path means the
// application default credentials are used and yields no bytes.
func NewCredentials(credFilePath string) ([]byte, error) {
	if credFilePath == "" {
		return []byte{}, nil
	}
	if !fileExists(credFilePath) {
		return []byte{}, errors.Errorf("could not read credentials from %s", credFilePath)
	}
	credentials, err := os.ReadFile(credFilePath)
	if err != nil {
		return []byte{}, errors.Wrapf(err, "could not read credentials from %s", credFilePath)
	}
	return credentials, nil
}

// fileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
