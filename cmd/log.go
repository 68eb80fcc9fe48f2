package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/illarion/walletvault/internal/backup"
	"github.com/illarion/walletvault/internal/config"
	"github.com/illarion/walletvault/internal/core"
	"github.com/illarion/walletvault/internal/keys"
	"github.com/illarion/walletvault/internal/ledger"
	"github.com/illarion/walletvault/internal/settings"
	"github.com/illarion/walletvault/internal/storage"
	"github.com/illarion/walletvault/internal/vault"
	"github.com/illarion/walletvault/internal/webauthn"
	"github.com/jrick/logrotate/rotator"
)

const (
	logFilename    = "walletvault.log"
	maxLogFileSize = 10 * 1024 // KB
	maxLogFiles    = 3
)

// subsystems maps every subsystem tag to the function installing its
// logger.
var subsystems = map[string]func(btclog.Logger){
	storage.Subsystem:  storage.UseLogger,
	vault.Subsystem:    vault.UseLogger,
	webauthn.Subsystem: webauthn.UseLogger,
	ledger.Subsystem:   ledger.UseLogger,
	settings.Subsystem: settings.UseLogger,
	backup.Subsystem:   backup.UseLogger,
	keys.Subsystem:     keys.UseLogger,
	core.Subsystem:     core.UseLogger,
}

// logWriter writes log lines to stderr and, when configured, to a rotating
// log file.
type logWriter struct {
	pipe    *io.PipeWriter
	rotator *rotator.Rotator
}

func (w *logWriter) Write(b []byte) (int, error) {
	os.Stderr.Write(b)
	if w.pipe != nil {
		w.pipe.Write(b)
	}
	return len(b), nil
}

// Close flushes and closes the log file.
func (w *logWriter) Close() error {
	if w.pipe != nil {
		w.pipe.Close()
	}
	return nil
}

// setupLogging installs a logger for every subsystem at the configured
// level.
func setupLogging(cfg *config.Config) (*logWriter, error) {
	w := &logWriter{}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		r, err := rotator.New(filepath.Join(cfg.LogDir, logFilename),
			maxLogFileSize, false, maxLogFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %w", err)
		}

		pr, pw := io.Pipe()
		go func() {
			if err := r.Run(pr); err != nil {
				fmt.Fprintf(os.Stderr, "failed to run file rotator: %v\n", err)
			}
		}()
		w.rotator = r
		w.pipe = pw
	}

	level, ok := btclog.LevelFromString(cfg.LogLevel)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}

	backend := btclog.NewBackend(w)
	for tag, use := range subsystems {
		logger := backend.Logger(tag)
		logger.SetLevel(level)
		use(logger)
	}
	return w, nil
}
