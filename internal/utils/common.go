package utils

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kairos-io/ostree-updater/internal/constants"
)

// GetDistro returns the os-release ID of the running system, or the default distro name when it
// cannot be read. HOST_OS_RELEASE overrides the os-release location.
func GetDistro() string {
	path := constants.DefaultOsRelease
	if p := os.Getenv("HOST_OS_RELEASE"); p != "" {
		path = p
	}
	env, err := godotenv.Read(path)
	if err != nil {
		Log.Debug().Err(err).Str("file", path).Msg("reading os-release")
		return constants.DefaultDistro
	}
	if id := strings.TrimSpace(env["ID"]); id != "" {
		return id
	}
	return constants.DefaultDistro
}

func CreateIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModePerm)
	}

	return nil
}
