package monitor

import (
	"github.com/tliron/commonlog"

	"github.com/chazu/tycore/vm"
)

// LogSink writes monitoring events to a logger, one line per event.
type LogSink struct {
	log commonlog.Logger
}

// NewLogSink creates a sink writing to logger, or to the package logger
// when logger is nil.
func NewLogSink(logger commonlog.Logger) *LogSink {
	if logger == nil {
		logger = log
	}
	return &LogSink{log: logger}
}

// Attach registers the sink for events on in and returns the function that
// unregisters it.
func (s *LogSink) Attach(in *vm.Interpreter, events vm.EventSet) func() {
	return in.Monitoring().Register(events, s.Handle)
}

// Handle logs ev at info level.
func (s *LogSink) Handle(ev vm.Event) error {
	logger := s.log
	if ev.Thread != nil {
		logger = commonlog.NewKeyValueLogger(logger, "thread", ev.Thread.ID())
	}
	name, line := "?", 0
	if ev.Code != nil {
		name, line = ev.Code.QualName, ev.Code.LineFor(ev.Offset)
	}
	if ev.Arg != nil {
		logger.Infof("%s %s@%d line %d: %s", ev.Kind, name, ev.Offset, line, vm.Repr(ev.Arg))
	} else {
		logger.Infof("%s %s@%d line %d", ev.Kind, name, ev.Offset, line)
	}
	return nil
}
