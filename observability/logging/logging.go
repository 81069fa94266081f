// Package logging configures the process-wide structured logger for the
// grant daemon and its background workers.
package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

const componentKey = "component"

// Setup installs a JSON slog handler on stdout, tags every line with the
// service name and deployment environment, and makes it the process
// default. The stdlib logger is bridged into the same stream so gorm and
// net/http error output keeps the structured shape.
func Setup(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: renameCoreAttrs,
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}

	base := slog.New(handler).With(args...)
	slog.SetDefault(base)

	bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// renameCoreAttrs maps slog's built-in keys onto the field names the log
// pipeline indexes: timestamp, severity (upper-cased) and message.
func renameCoreAttrs(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	}
	return attr
}

// Component returns a child logger tagged with the kernel component its
// lines originate from: "kernel", "sweep", "rebuild".
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String(componentKey, name))
}
