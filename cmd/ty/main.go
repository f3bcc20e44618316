// ty runs, disassembles and assembles tycore bytecode programs.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/tycore/asm"
	"github.com/chazu/tycore/manifest"
	"github.com/chazu/tycore/marshal"
	"github.com/chazu/tycore/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("tycore.cmd")

func main() {
	os.Exit(runCommand(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: ty <command> [options] file\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  run      Execute a .tyasm or .tyc program\n")
	fmt.Fprintf(w, "  dis      Print the disassembly of a program\n")
	fmt.Fprintf(w, "  asm      Assemble a .tyasm file into a .tyc image\n")
	fmt.Fprintf(w, "  threads  Run a program on several interpreter threads at once\n")
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  ty run examples/fib.tyasm\n")
	fmt.Fprintf(w, "  ty run -trace-db trace.db examples/except.tyasm\n")
	fmt.Fprintf(w, "  ty asm -o fib.tyc examples/fib.tyasm\n")
	fmt.Fprintf(w, "  ty threads -n 8 -free-threaded examples/loop.tyasm\n")
	fmt.Fprintf(w, "\nRun 'ty <command> -h' for the options of a command.\n")
}

// runCommand dispatches a subcommand and returns the process exit status.
func runCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	var err error
	status := 0
	switch args[0] {
	case "run":
		status, err = handleRunCommand(args[1:], stdout, stderr)
	case "threads":
		status, err = handleThreadsCommand(args[1:], stdout, stderr)
	case "dis":
		err = handleDisCommand(args[1:], stdout, stderr)
	case "asm":
		err = handleAsmCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return status
}

// loadCode reads a program by extension: .tyasm is assembled, .tyc is
// unmarshaled.
func loadCode(path string) (*vm.Code, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".tyasm":
		return asm.AssembleFile(path)
	case ".tyc":
		return marshal.ReadFile(path)
	default:
		return nil, fmt.Errorf("%s: unknown file type %q (want .tyasm or .tyc)", path, ext)
	}
}

// loadConfig reads the -config file, or tycore.toml found from the
// program's directory upward, or the defaults.
func loadConfig(configPath, program string) (*manifest.Config, error) {
	if configPath != "" {
		return manifest.LoadFile(configPath)
	}
	m, err := manifest.FindAndLoad(filepath.Dir(program))
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", manifest.FileName, err)
	}
	if m == nil {
		return manifest.Default(), nil
	}
	log.Debugf("using %s", filepath.Join(m.Dir, manifest.FileName))
	return m, nil
}

// configureLogging applies the -v flag, falling back to the [log] table.
func configureLogging(m *manifest.Config, verbosity int) {
	if verbosity < 0 {
		verbosity = m.Log.Verbosity
	}
	var path *string
	if p := m.LogFilePath(); p != "" {
		path = &p
	}
	commonlog.Configure(verbosity, path)
}
