// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package main runs a DICE chain from the command line and verifies the
// evidence it produces.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"hermannm.dev/devlog"
)

var flags = flag.NewFlagSet("root", flag.ContinueOnError)

var (
	debug bool
	level slog.LevelVar

	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stderr, &devlog.Options{
		Level: &level,
	})))

	flags.BoolVar(&debug, "debug", false, "Run subcommand with debug enabled")
	flags.Usage = usage
	bootFlags.Usage = func() {}
	verifyFlags.Usage = func() {}
	evidenceFlags.Usage = func() {}
	idFlags.Usage = func() {}
}

func usage() {
	_, _ = fmt.Fprintf(os.Stderr, `
Usage:
  dice [global_options] [boot|verify|evidence|id] [--] [options]

Global options:
%s
Boot options:
%s
Verify options:
%s
Evidence options:
%s
ID options:
%s
UDS sources:
  - file:PATH          32 raw bytes read from a file
  - tpm:PATH           derived from the endorsement hierarchy of a TPM
  - tpm:simulator      derived from an in-process TPM simulator (testing only)

  With -nv-index, the UDS is instead read from a PCR-bound NV index of the
  TPM. Use -seal to generate a new UDS and store it there first.

Modes:
  - not-configured
  - normal
  - debug
  - recovery
`, options(flags), options(bootFlags), options(verifyFlags), options(evidenceFlags), options(idFlags))
}

func options(flags *flag.FlagSet) string {
	oldOutput := flags.Output()
	defer flags.SetOutput(oldOutput)

	var buf bytes.Buffer
	flags.SetOutput(&buf)
	flags.PrintDefaults()

	return buf.String()
}

func main() {
	if err := flags.Parse(os.Args[1:]); err != nil {
		usage()
		os.Exit(1)
	}
	if debug {
		level.Set(slog.LevelDebug)
	}

	sub := flags.Arg(0)
	var args []string
	if flags.NArg() > 1 {
		args = flags.Args()[1:]
		if flags.Arg(1) == "--" {
			args = flags.Args()[2:]
		}
	}

	var (
		subFlags *flag.FlagSet
		run      func() error
	)
	switch sub {
	case "boot", "b":
		subFlags, run = bootFlags, boot
	case "verify", "v":
		subFlags, run = verifyFlags, verify
	case "evidence", "e":
		subFlags, run = evidenceFlags, exportEvidence
	case "id":
		subFlags, run = idFlags, printID
	default:
		if sub != "" {
			_, _ = fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", sub)
		}
		usage()
		os.Exit(1)
	}

	if err := subFlags.Parse(args); err != nil {
		usage()
		os.Exit(1)
	}
	if debug {
		level.Set(slog.LevelDebug)
	}
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s error: %v\n", subFlags.Name(), err)
		os.Exit(2)
	}
}
