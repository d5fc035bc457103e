// Package logging wires logrus into dlog the same way the teacher's
// cmd/traffic/logger.go and pkg/client/log.go do: a custom
// logrus.Formatter, a level parsed from the environment, and the
// resulting logger installed both as dlog's context logger and its
// process-wide fallback.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// EnvLogLevel is the environment variable this data node reads its log
// level from.
const EnvLogLevel = "AVATARFS_DATANODE_LOG_LEVEL"

// Formatter renders a log line as "<timestamp> <message> key=value ...",
// fields sorted for deterministic output.
type Formatter struct {
	timestampFormat string
}

// NewFormatter constructs a Formatter using timestampFormat for entry
// timestamps.
func NewFormatter(timestampFormat string) *Formatter {
	return &Formatter{timestampFormat: timestampFormat}
}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}
	b.WriteString(entry.Time.Format(f.timestampFormat))
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, " %s=%+v", k, entry.Data[k])
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// Init builds the base logrus logger, installs it as both dlog's
// context-scoped logger and its fallback, and returns the derived context.
// Call this once, at process start, before spawning any of the
// supervised workers.
func Init(ctx context.Context) context.Context {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(NewFormatter("2006-01-02 15:04:05.0000"))

	level := logrus.InfoLevel
	if raw, ok := os.LookupEnv(EnvLogLevel); ok {
		if parsed, err := logrus.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	logrusLogger.SetLevel(level)

	logger := dlog.WrapLogrus(logrusLogger)
	dlog.SetFallbackLogger(logger)
	return dlog.WithLogger(ctx, logger)
}

// WithNamespace tags ctx's logger with the namespace a ServicePair serves,
// mirroring managerutil.WithSessionInfo's dlog.WithField pattern.
func WithNamespace(ctx context.Context, nameserviceID string) context.Context {
	return dlog.WithField(ctx, "ns", nameserviceID)
}
