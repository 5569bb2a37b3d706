package buildvar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
)

var quietRegister = testing.Testing()

// RegisterLogger returns the logger to pass as bstore.Options.RegisterLogger
// when opening the database at path.
//
// Under test, nil is returned for databases that don't exist yet, so creating
// fresh test databases does not log the schema registration of every type.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !quietRegister {
		return log
	}
	if _, err := os.Stat(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
