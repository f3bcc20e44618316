package main

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chazu/tycore/marshal"
)

// handleDisCommand processes `ty dis`.
func handleDisCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("dis", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("dis expects one program file")
	}
	code, err := loadCode(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, code.Disassemble())
	return nil
}

// handleAsmCommand processes `ty asm`.
// Usage:
//
//	ty asm prog.tyasm            # writes prog.tyc
//	ty asm -o out.tyc prog.tyasm
func handleAsmCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("asm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	output := fs.String("o", "", "Output .tyc path (default: the input with a .tyc extension)")
	verbose := fs.Bool("v", false, "Report what was written")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("asm expects one .tyasm file")
	}
	src := fs.Arg(0)
	if filepath.Ext(src) != ".tyasm" {
		return fmt.Errorf("%s: asm needs a .tyasm source", src)
	}
	out := *output
	if out == "" {
		out = strings.TrimSuffix(src, ".tyasm") + ".tyc"
	}

	code, err := loadCode(src)
	if err != nil {
		return err
	}
	if err := marshal.WriteFile(out, code); err != nil {
		return err
	}
	if *verbose {
		fmt.Fprintf(stdout, "Wrote %s (%s)\n", out, code.Name)
	}
	return nil
}
