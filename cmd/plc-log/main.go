// Command plc-log views and analyzes PLC protocol captures.
//
// Captures are written by plc-sim when started with -protocol-log. Every
// Modbus, OPC UA and EtherNet/IP request an exercise participant sends is
// recorded, so the capture doubles as the red-team action log.
//
// Usage:
//
//	plc-log <command> [flags] <file.plog>
//
// Commands:
//
//	view     View capture in human-readable format
//	export   Export capture to JSONL or CSV
//	filter   Filter capture and write to new file
//	stats    Show statistics about the capture
//
// Examples:
//
//	# View all events
//	plc-log view plc-sub-a.plog
//
//	# Only register writes
//	plc-log view -writes plc-sub-a.plog
//
//	# Only EtherNet/IP tag writes
//	plc-log view -protocol enip -service WRITE_TAG plc-gen.plog
//
//	# Export to CSV for the exercise report
//	plc-log export -format csv -o writes.csv plc-sub-a.plog
//
//	# Keep one connection
//	plc-log filter -conn-id 5f0c2a9e-1b7d-4e36-9d43-8f2b7a6c1e00 -o attacker.plog plc-sub-a.plog
//
//	# Show statistics
//	plc-log stats plc-sub-a.plog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cyroid-lab/plcsim/cmd/plc-log/commands"
)

const usage = `plc-log - PLC Protocol Capture Analyzer

Usage:
  plc-log <command> [flags] <file.plog>

Commands:
  view     View capture in human-readable format
  export   Export capture to JSONL or CSV
  filter   Filter capture and write to new file
  stats    Show statistics about the capture

Use "plc-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// newFlagSet returns a flag set whose usage prints the given header.
func newFlagSet(name, header string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, header)
		fs.PrintDefaults()
	}
	return fs
}

// capturePath parses args and returns the single positional capture path.
func capturePath(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func runView(args []string) {
	fs := newFlagSet("view", `plc-log view - View capture in human-readable format

Usage:
  plc-log view [flags] <file.plog>

Flags:
`)

	layer := fs.String("layer", "", "Filter by layer (transport, protocol, process)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (message, state, error)")
	protocol := fs.String("protocol", "", "Filter by protocol (modbus, opcua, enip)")
	service := fs.String("service", "", "Filter by request service, e.g. WRITE_SINGLE_REGISTER")
	writes := fs.Bool("writes", false, "Show only requests that wrote values")

	path := capturePath(fs, args)

	filter := commands.ViewFilter{
		Protocol:   *protocol,
		Service:    *service,
		WritesOnly: *writes,
	}

	if *layer != "" {
		l, err := commands.ParseLayerFlag(*layer)
		if err != nil {
			fail(err)
		}
		filter.Layer = &l
	}

	if *direction != "" {
		d, err := commands.ParseDirectionFlag(*direction)
		if err != nil {
			fail(err)
		}
		filter.Direction = &d
	}

	if *category != "" {
		c, err := commands.ParseCategoryFlag(*category)
		if err != nil {
			fail(err)
		}
		filter.Category = &c
	}

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := newFlagSet("export", `plc-log export - Export capture to JSONL or CSV

Usage:
  plc-log export [flags] <file.plog>

Flags:
`)

	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")

	path := capturePath(fs, args)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := newFlagSet("filter", `plc-log filter - Filter capture and write to new file

Usage:
  plc-log filter [flags] <file.plog>

Flags:
`)

	output := fs.String("o", "", "Output file (required)")
	connID := fs.String("conn-id", "", "Filter by connection ID")
	protocol := fs.String("protocol", "", "Filter by protocol (modbus, opcua, enip)")
	service := fs.String("service", "", "Filter by request service")
	writes := fs.Bool("writes", false, "Keep only requests that wrote values")
	timeStart := fs.String("time-start", "", "Filter by start time (RFC3339)")
	timeEnd := fs.String("time-end", "", "Filter by end time (RFC3339)")
	layer := fs.String("layer", "", "Filter by layer (transport, protocol, process)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (message, state, error)")

	path := capturePath(fs, args)

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	opts := commands.FilterOptions{
		Output:     *output,
		ConnID:     *connID,
		Protocol:   *protocol,
		Service:    *service,
		WritesOnly: *writes,
		TimeStart:  *timeStart,
		TimeEnd:    *timeEnd,
		Layer:      *layer,
		Direction:  *direction,
		Category:   *category,
	}

	if err := commands.RunFilter(path, opts, os.Stdout); err != nil {
		fail(err)
	}
}

func runStats(args []string) {
	fs := newFlagSet("stats", `plc-log stats - Show statistics about the capture

Usage:
  plc-log stats <file.plog>

`)

	path := capturePath(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
