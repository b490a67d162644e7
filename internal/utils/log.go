package utils

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the logger shared by the cli and the components it builds.
var Log zerolog.Logger

func init() {
	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// SetLogger configures Log. The level comes from the given name, and is forced to debug when
// rd.ostree.debug is on the cmdline or OSTREE_UPDATE_DEBUG is set.
func SetLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	debug := len(ReadCMDLineArg("rd.ostree.debug")) > 0
	debugFromEnv := os.Getenv("OSTREE_UPDATE_DEBUG") != ""
	if debug || debugFromEnv {
		lvl = zerolog.DebugLevel
	}

	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
	if err != nil && level != "" {
		Log.Warn().Str("level", level).Msg("Unknown log level, using info")
	}
}
