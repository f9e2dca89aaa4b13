// Package rlog provides the runtime's logging handle: a single
// *logrus.Entry threaded through NodeRuntime as a capability rather than
// used as a package-level global, per SPEC_FULL.md §A. Grounded on the
// teacher's use of github.com/sirupsen/logrus (cmd/canopen/main.go, the
// root-level flat files) — every entry point in the teacher's cmd/ tree
// reaches for logrus rather than the newer pkg/ tree's log/slog, and this
// repo follows the former since it is the library actually named in
// go.mod's require block.
package rlog

import (
	"fmt"
	"log/syslog"

	"github.com/sirupsen/logrus"
)

// New builds the base *logrus.Entry for a node, tagged with its node id.
// verbose raises the level to Debug; logging to syslog is wired in
// separately via AttachSyslog since no third-party syslog writer exists in
// the reference corpus (SPEC_FULL.md §A).
func New(nodeID uint8, verbose bool) *logrus.Entry {
	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger.WithField("node_id", fmt.Sprintf("x%x", nodeID))
}

// WithComponent scopes an entry to a named subsystem, e.g.
// base.WithComponent("supervisor").
func WithComponent(base *logrus.Entry, component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Adapter presents a *logrus.Entry as the slog-style
// Info(msg, key, value, ...) surface internal/supervisor and other
// components depend on, without those packages importing logrus directly.
type Adapter struct {
	entry *logrus.Entry
}

// NewAdapter wraps entry for key-value style logging calls.
func NewAdapter(entry *logrus.Entry) Adapter {
	return Adapter{entry: entry}
}

func (a Adapter) withArgs(args []any) *logrus.Entry {
	e := a.entry
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.WithField(key, args[i+1])
	}
	return e
}

func (a Adapter) Info(msg string, args ...any)  { a.withArgs(args).Info(msg) }
func (a Adapter) Warn(msg string, args ...any)  { a.withArgs(args).Warn(msg) }
func (a Adapter) Error(msg string, args ...any) { a.withArgs(args).Error(msg) }

// syslogHook forwards logrus entries to the local syslog daemon through the
// standard library's log/syslog writer.
type syslogHook struct {
	writer *syslog.Writer
}

func (h *syslogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *syslogHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return h.writer.Err(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	case logrus.DebugLevel, logrus.TraceLevel:
		return h.writer.Debug(line)
	default:
		return h.writer.Info(line)
	}
}

// AttachSyslog routes base's underlying logger through syslog in addition
// to its existing output, used when -l/--log is passed.
func AttachSyslog(base *logrus.Entry, tag string) error {
	w, err := syslog.New(syslog.LOG_DAEMON, tag)
	if err != nil {
		return fmt.Errorf("rlog: syslog dial: %w", err)
	}
	base.Logger.AddHook(&syslogHook{writer: w})
	return nil
}
