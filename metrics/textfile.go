// Package metrics has prometheus metric variables/functions.
//
// smtpsubmit does not run as a daemon, so metrics are not served over HTTP.
// Instead, after each invocation the default registry can be written to a file
// for the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mjl-/smtpsubmit/mlog"
)

// WriteTextfile writes all metrics in the default registry to path in the
// prometheus text format. The file is replaced atomically.
func WriteTextfile(elog *slog.Logger, path string) error {
	log := mlog.New("metrics", elog)
	if !filepath.IsAbs(path) {
		if wd, err := os.Getwd(); err == nil {
			path = filepath.Join(wd, path)
		}
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	log.Debug("metrics written", slog.String("path", path))
	return nil
}
