// Package logging is the core's single point of contact with the outside
// logging world. The core itself never talks to syslog: it only calls Log()
// at a syslog priority, exactly the way gone/daemon's Log() function works.
// Whoever embeds the core installs a real handler via SetOutput; without one,
// messages go to gone/log's default (stderr) handler.
package logging

import (
	gonelog "github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
)

// Priority aliases the syslog levels used throughout the core.
type Priority = syslog.Priority

const (
	CRIT   = syslog.LOG_CRIT
	ERROR  = syslog.LOG_ERROR
	WARN   = syslog.LOG_WARN
	NOTICE = syslog.LOG_NOTICE
	INFO   = syslog.LOG_INFO
	DEBUG  = syslog.LOG_DEBUG
)

// Log writes a leveled, key/value-annotated message to the root logger.
func Log(level Priority, msg string, kv ...interface{}) {
	gonelog.Log(level, msg, kv...)
}

// Named returns a logger bound to a hierarchical name, e.g. "service/foo" or
// "plugin/netlink" - the same Python-logging-style hierarchy gone/log's
// manager uses for its "/"-delimited names.
func Named(name string) *gonelog.Logger {
	return gonelog.GetLogger(name)
}

// SetOutput installs the real log handler (syslog bridge, file, whatever the
// embedding program wants). This is the seam §1 calls "out of scope".
func SetOutput(h gonelog.Handler) {
	gonelog.Default().SetHandler(h)
}
