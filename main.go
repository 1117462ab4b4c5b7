// main.go - postlink command-line driver
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/xyproto/env/v2"
)

const versionString = "postlink 0.9.1"

func usage() {
	fmt.Fprintf(os.Stderr, "usage: postlink [flags] <input binary>\n\n")
	fmt.Fprintf(os.Stderr, "Rewrites a linked ELF executable: re-emits its functions, moves the\n")
	fmt.Fprintf(os.Stderr, "ones that no longer fit into a new text segment, and patches every\n")
	fmt.Fprintf(os.Stderr, "structure that refers to them.\n\n")
	flag.PrintDefaults()
}

func main() {
	// NOTE: Go's flag package stops parsing at the first non-flag argument,
	// so flags must come BEFORE the input path.
	var outputFlag = flag.String("o", env.Str("POSTLINK_OUTPUT", ""), "output path (default: <input>.postlink)")
	var outputLongFlag = flag.String("output", "", "output path (default: <input>.postlink)")
	var versionShort = flag.Bool("V", false, "print version information and exit")
	var version = flag.Bool("version", false, "print version information and exit")
	var verbose = flag.Bool("v", env.Bool("POSTLINK_VERBOSE"), "verbose mode (debug-level log output)")
	var verboseLong = flag.Bool("verbose", false, "verbose mode (debug-level log output)")
	var workers = flag.Int("jobs", env.Int("POSTLINK_JOBS", runtime.NumCPU()), "parallel emission workers")
	var moveTables = flag.Bool("relocate-tables", env.Bool("POSTLINK_RELOCATE_TABLES"),
		"move .got.plt into the new segment and re-point .rela.plt")
	flag.Usage = usage
	flag.Parse()

	if *version || *versionShort {
		fmt.Println(versionString)
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if *verbose || *verboseLong {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	input := flag.Arg(0)
	output := *outputFlag
	if *outputLongFlag != "" {
		output = *outputLongFlag
	}
	if output == "" {
		output = input + ".postlink"
	}

	cfg := Config{
		InputPath:             input,
		OutputPath:            output,
		CommandLine:           strings.Join(os.Args, " "),
		Workers:               *workers,
		RelocateDynamicTables: *moveTables,
	}
	r, err := NewRewriteInstance(logger, nil, cfg)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open input", "path", input, "err", err)
		os.Exit(1)
	}
	if err := r.Run(); err != nil {
		level.Error(logger).Log("msg", "rewrite failed", "err", err)
		os.Exit(1)
	}
}
