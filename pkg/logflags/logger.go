package logflags

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the logger of one layer of dlv-async. Entries carry the layer
// name followed by the fields attached to the logger.
type Logger interface {
	// WithField returns a Logger that adds key=value to every entry.
	WithField(key string, value interface{}) Logger
	// WithObject returns a Logger that adds a target object, type or
	// thread ID to every entry, printed in hexadecimal.
	WithObject(key string, id uint64) Logger
	// WithPacket returns a Logger that adds the header of a JDWP packet
	// to every entry.
	WithPacket(id uint32, cmdset, cmd uint8) Logger
	// Enabled reports whether debug entries are written.
	Enabled() bool

	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type layerLogger struct {
	*logrus.Entry
}

// newLogger returns the logger of layer. Only errors and warnings are
// written unless enabled is set.
func newLogger(layer string, enabled bool) Logger {
	logger := logrus.New()
	logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Out = logOut
	}
	logger.Level = logrus.WarnLevel
	if enabled {
		logger.Level = logrus.DebugLevel
	}
	return layerLogger{logger.WithField(layerField, layer)}
}

func (l layerLogger) WithField(key string, value interface{}) Logger {
	return layerLogger{l.Entry.WithField(key, value)}
}

func (l layerLogger) WithObject(key string, id uint64) Logger {
	return layerLogger{l.Entry.WithField(key, hexID(id))}
}

func (l layerLogger) WithPacket(id uint32, cmdset, cmd uint8) Logger {
	return layerLogger{l.Entry.WithFields(logrus.Fields{
		"id":  id,
		"cmd": fmt.Sprintf("%d/%d", cmdset, cmd),
	})}
}

func (l layerLogger) Enabled() bool {
	return l.Entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

type hexID uint64

func (id hexID) String() string { return fmt.Sprintf("%#x", uint64(id)) }

const layerField = "layer"

// textFormatter writes one line per entry: time, level, layer, the other
// fields sorted by name and the message. It never colors its output so that
// logs stay readable in files.
type textFormatter struct{}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteString(" ")
	b.WriteString(entry.Level.String())
	b.WriteString(" ")
	if layer, ok := entry.Data[layerField]; ok {
		fmt.Fprintf(&b, "%v ", layer)
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != layerField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v ", k, entry.Data[k])
	}
	b.WriteString(entry.Message)
	b.WriteString("\n")
	return []byte(b.String()), nil
}
