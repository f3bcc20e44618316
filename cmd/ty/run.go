package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/tycore/monitor"
	"github.com/chazu/tycore/vm"
)

// runtimeFlags are shared by run and threads. Flags override tycore.toml.
type runtimeFlags struct {
	config       string
	verbosity    int
	freeThreaded bool
	traceDB      string
	events       string
}

func (f *runtimeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.config, "config", "", "Configuration file (default: tycore.toml found from the program's directory)")
	fs.IntVar(&f.verbosity, "v", -1, "Log verbosity (default: [log] verbosity)")
	fs.BoolVar(&f.freeThreaded, "free-threaded", false, "Use the free-threaded refcount regime instead of the GIL")
	fs.StringVar(&f.traceDB, "trace-db", "", "Record monitoring events to this SQLite database")
	fs.StringVar(&f.events, "events", "", "Comma-separated monitoring events, or 'all'")
}

// session is a configured interpreter with its monitoring sinks attached.
type session struct {
	in       *vm.Interpreter
	recorder *monitor.Recorder
	detach   []func()
}

func newSession(f *runtimeFlags, program string, stdout io.Writer) (*session, error) {
	m, err := loadConfig(f.config, program)
	if err != nil {
		return nil, err
	}
	configureLogging(m, f.verbosity)
	if f.events != "" {
		m.Monitoring.Events = strings.Split(f.events, ",")
		for i, e := range m.Monitoring.Events {
			m.Monitoring.Events[i] = strings.TrimSpace(e)
		}
	}
	events, err := m.EventSet()
	if err != nil {
		return nil, err
	}

	opts := m.RuntimeOptions()
	opts.Stdout = stdout
	if f.freeThreaded {
		opts.FreeThreaded = true
	}
	in, err := vm.New(opts)
	if err != nil {
		return nil, err
	}
	s := &session{in: in}

	tracePath := f.traceDB
	if tracePath == "" {
		tracePath = m.TraceDBPath()
	}
	switch {
	case tracePath != "":
		if events == 0 {
			events = vm.AllEvents
		}
		s.recorder, err = monitor.OpenRecorder(tracePath)
		if err != nil {
			in.Finalize()
			return nil, err
		}
		s.detach = append(s.detach, s.recorder.Attach(in, events))
	case events != 0:
		s.detach = append(s.detach, monitor.NewLogSink(nil).Attach(in, events))
	}
	return s, nil
}

func (s *session) close() error {
	for _, d := range s.detach {
		d()
	}
	var err error
	if s.recorder != nil {
		err = s.recorder.Close()
		if n := s.recorder.Failed(); n > 0 {
			log.Warningf("%d events could not be recorded", n)
		}
	}
	s.in.Finalize()
	return err
}

// interruptOnSignal turns SIGINT into KeyboardInterrupt in the main thread.
func interruptOnSignal(in *vm.Interpreter) (stop func()) {
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, os.Interrupt)
	go func() {
		for {
			select {
			case <-ch:
				in.RequestInterrupt()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// runModule executes code with fresh globals on ts.
func runModule(ts *vm.ThreadState, code *vm.Code) (*vm.Object, error) {
	g, err := ts.NewDict()
	if err != nil {
		return nil, err
	}
	defer ts.Decref(g)
	if err := vm.DictOf(g).SetItem(ts, vm.Intern("__name__"), vm.Intern("__main__")); err != nil {
		return nil, err
	}
	return ts.RunCode(code, g)
}

// reportUncaught prints an uncaught exception and returns the status for it.
func reportUncaught(ts *vm.ThreadState, err error, stderr io.Writer) (int, error) {
	var r *vm.Raised
	if !errors.As(err, &r) {
		return 1, err
	}
	fmt.Fprint(stderr, vm.FormatException(r.Exc))
	status := 1
	if r.Exc.Type() == vm.KeyboardInterruptType {
		status = 130
	}
	ts.Release(err)
	return status, nil
}

// handleRunCommand processes `ty run`.
func handleRunCommand(args []string, stdout, stderr io.Writer) (int, error) {
	var f runtimeFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2, nil
	}
	if fs.NArg() != 1 {
		return 2, fmt.Errorf("run expects one program file")
	}
	program := fs.Arg(0)

	s, err := newSession(&f, program, stdout)
	if err != nil {
		return 1, err
	}
	code, err := loadCode(program)
	if err != nil {
		s.close()
		return 1, err
	}

	stop := interruptOnSignal(s.in)
	ts := s.in.MainThread()
	res, err := runModule(ts, code)
	stop()

	status := 0
	if err != nil {
		status, err = reportUncaught(ts, err, stderr)
	} else {
		if res != vm.None {
			fmt.Fprintln(stdout, vm.Repr(res))
		}
		ts.Decref(res)
	}
	if cerr := s.close(); err == nil && cerr != nil {
		err = cerr
	}
	return status, err
}

// handleThreadsCommand processes `ty threads`: the program runs once on each
// of n new interpreter threads, all started together.
func handleThreadsCommand(args []string, stdout, stderr io.Writer) (int, error) {
	var f runtimeFlags
	fs := flag.NewFlagSet("threads", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f.register(fs)
	n := fs.Int("n", 4, "Number of threads")
	if err := fs.Parse(args); err != nil {
		return 2, nil
	}
	if fs.NArg() != 1 {
		return 2, fmt.Errorf("threads expects one program file")
	}
	if *n < 1 {
		return 2, fmt.Errorf("-n must be at least 1, got %d", *n)
	}
	program := fs.Arg(0)

	s, err := newSession(&f, program, stdout)
	if err != nil {
		return 1, err
	}
	code, err := loadCode(program)
	if err != nil {
		s.close()
		return 1, err
	}

	results := make([]string, *n)
	mainTS := s.in.MainThread()
	mainTS.Detach()
	var eg errgroup.Group
	for i := 0; i < *n; i++ {
		eg.Go(func() error {
			ts := s.in.NewThread()
			ts.Attach()
			defer ts.Close()
			res, err := runModule(ts, code)
			if err != nil {
				var r *vm.Raised
				if !errors.As(err, &r) {
					return fmt.Errorf("thread %d: %w", ts.ID(), err)
				}
				results[i] = fmt.Sprintf("thread %d: %s", ts.ID(), vm.FormatExceptionOnly(r.Exc))
				ts.Release(err)
				return nil
			}
			results[i] = fmt.Sprintf("thread %d: %s", ts.ID(), vm.Repr(res))
			ts.Decref(res)
			return nil
		})
	}
	err = eg.Wait()
	mainTS.Attach()

	regime := "gil"
	if s.in.FreeThreaded() {
		regime = "free-threaded"
	}
	log.Infof("%d threads finished (%s)", *n, regime)
	for _, r := range results {
		if r != "" {
			fmt.Fprintln(stdout, r)
		}
	}
	if cerr := s.close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return 1, err
	}
	return 0, nil
}
