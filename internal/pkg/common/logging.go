package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/samber/do/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogService struct {
	backend *slog.Backend
	level   slog.Level
	rotator *lumberjack.Logger
}

func NewLogService(i do.Injector) (*LogService, error) {
	levelName := do.MustInvokeNamed[string](i, "log-level")
	logFile := do.MustInvokeNamed[string](i, "log-file")

	level, ok := slog.LevelFromString(levelName)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", levelName)
	}

	var (
		w       io.Writer = os.Stdout
		rotator *lumberjack.Logger
	)

	if len(logFile) > 0 {
		err := os.MkdirAll(filepath.Dir(logFile), 0750)
		if err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		rotator = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, //nolint:mnd
			MaxBackups: 10, //nolint:mnd
			Compress:   true,
		}

		w = io.MultiWriter(os.Stdout, rotator)
	}

	return &LogService{
		backend: slog.NewBackend(w),
		level:   level,
		rotator: rotator,
	}, nil
}

// NewDiscardLogService returns a log service that writes nowhere.
func NewDiscardLogService() *LogService {
	return &LogService{
		backend: slog.NewBackend(io.Discard),
		level:   slog.LevelOff,
	}
}

func (s *LogService) Logger(subsystem string) slog.Logger {
	log := s.backend.Logger(subsystem)
	log.SetLevel(s.level)

	return log
}

func (s *LogService) Shutdown() error {
	if s.rotator == nil {
		return nil
	}

	//nolint:wrapcheck
	return s.rotator.Close()
}
