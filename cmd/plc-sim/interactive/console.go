// Package interactive provides the operator console of plc-sim.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/cyroid-lab/plcsim/pkg/plc"
	"github.com/cyroid-lab/plcsim/pkg/process"
	"github.com/cyroid-lab/plcsim/pkg/registermap"
)

// Runtime is the part of the PLC the console drives.
type Runtime interface {
	Model() *process.Model
	Stats() plc.Stats
}

// Console handles interactive mode for plc-sim.
type Console struct {
	rt  Runtime
	rl  *readline.Instance
	out io.Writer

	// watching prints every tick's changes when set.
	watching atomic.Bool
}

// New creates a console on the terminal.
func New(rt Runtime) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "plc> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(rt.Model()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	c := &Console{rt: rt, rl: rl, out: rl.Stdout()}
	rt.Model().Observe(c.observe)
	return c, nil
}

func completer(m *process.Model) readline.AutoCompleter {
	names := make([]readline.PrefixCompleterInterface, 0, m.Len())
	for _, r := range m.Registers() {
		names = append(names, readline.PcItem(r.Name))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("list"),
		readline.PcItem("read", names...),
		readline.PcItem("write", names...),
		readline.PcItem("stats"),
		readline.PcItem("watch", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Stderr returns a writer that properly coordinates with the readline input.
func (c *Console) Stderr() io.Writer {
	return c.rl.Stderr()
}

// Run starts the interactive command loop. Quitting the console cancels
// the PLC.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if quit := c.exec(line); quit {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// exec runs one command line and reports whether the console should exit.
func (c *Console) exec(line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()

	case "list", "ls", "l":
		c.cmdList()

	case "read", "r":
		c.cmdRead(args)

	case "write", "w":
		c.cmdWrite(args)

	case "stats", "status", "s":
		c.cmdStats()

	case "watch":
		c.cmdWatch(args)

	case "quit", "exit", "q":
		return true

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
PLC Commands:
  Registers:
    list                 - List all registers with current values
    read <name|addr>     - Read one register
    write <name|addr> <v> - Write a writable register

  Runtime:
    stats                - Show runtime counters
    watch [on|off]       - Print register changes after every tick

  General:
    help                 - Show this help
    quit                 - Stop the PLC and exit

  Register names may contain spaces and are matched case-insensitively.`)
}

func (c *Console) cmdList() {
	m := c.rt.Model()
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDR\tNAME\tVALUE\tRANGE\tACCESS")
	for _, v := range m.Snapshot() {
		reg, _ := m.Register(v.Address)
		fmt.Fprintf(w, "%d\t%s\t%s\t[%s, %s]\t%s\n",
			v.Address, v.Name, formatValue(v.Value, reg.Unit),
			formatNumber(reg.Min), formatNumber(reg.Max), access(reg))
	}
	_ = w.Flush()
}

func (c *Console) cmdRead(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: read <name|addr>")
		fmt.Fprintln(c.out, "  Example: read Bus_Voltage")
		return
	}

	reg, err := c.lookup(strings.Join(args, " "))
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	v, _ := c.rt.Model().Get(reg.Address)
	fmt.Fprintf(c.out, "%s (%d) = %s\n", reg.Name, reg.Address, formatValue(v, reg.Unit))
	if reg.Description != "" {
		fmt.Fprintf(c.out, "  %s\n", reg.Description)
	}
}

func (c *Console) cmdWrite(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: write <name|addr> <value>")
		fmt.Fprintln(c.out, "  Example: write Trip_Command 1")
		return
	}

	value, err := strconv.ParseFloat(args[len(args)-1], 64)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid value: %s\n", args[len(args)-1])
		return
	}

	reg, err := c.lookup(strings.Join(args[:len(args)-1], " "))
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}

	if err := c.rt.Model().Set(reg.Address, value); err != nil {
		fmt.Fprintf(c.out, "Write failed: %v\n", err)
		return
	}
	if value < reg.Min || value > reg.Max {
		fmt.Fprintf(c.out, "OK (outside [%s, %s])\n", formatNumber(reg.Min), formatNumber(reg.Max))
		return
	}
	fmt.Fprintln(c.out, "OK")
}

func (c *Console) cmdStats() {
	st := c.rt.Stats()
	fmt.Fprintln(c.out, "\nPLC Status")
	fmt.Fprintln(c.out, "-------------------------------------------")
	fmt.Fprintf(c.out, "  Name:           %s\n", st.Name)
	fmt.Fprintf(c.out, "  Role:           %s\n", st.Role)
	fmt.Fprintf(c.out, "  Protocol:       %s\n", st.Protocol)
	fmt.Fprintf(c.out, "  Listening:      %s\n", st.Address)
	fmt.Fprintf(c.out, "  State:          %s\n", st.State)
	fmt.Fprintf(c.out, "  Uptime:         %s\n", st.Uptime.Truncate(time.Second))
	fmt.Fprintf(c.out, "  Registers:      %d\n", st.Registers)
	fmt.Fprintf(c.out, "  Ticks:          %d\n", st.Ticks)
	fmt.Fprintf(c.out, "  Resyncs:        %d\n", st.Resyncs)
	fmt.Fprintf(c.out, "  Publishes:      %d (%d coalesced)\n", st.Publishes, st.Coalesced)
	fmt.Fprintf(c.out, "  Connections:    %d\n", st.Connections)
	fmt.Fprintln(c.out)
}

func (c *Console) cmdWatch(args []string) {
	on := !c.watching.Load()
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on":
			on = true
		case "off":
			on = false
		default:
			fmt.Fprintln(c.out, "Usage: watch [on|off]")
			return
		}
	}
	c.watching.Store(on)
	if on {
		fmt.Fprintln(c.out, "Watching register changes")
	} else {
		fmt.Fprintln(c.out, "Stopped watching")
	}
}

// observe runs on the update goroutine.
func (c *Console) observe(tick uint64, changes []process.Change) {
	if !c.watching.Load() {
		return
	}
	for _, ch := range changes {
		fmt.Fprintf(c.out, "[tick %d] %s: %.3f -> %.3f\n", tick, ch.Name, ch.Old, ch.New)
	}
}

// lookup resolves a register by exact name, case-insensitive name or
// address.
func (c *Console) lookup(key string) (registermap.Register, error) {
	m := c.rt.Model()
	if reg, ok := m.Lookup(key); ok {
		return reg, nil
	}
	for _, reg := range m.Registers() {
		if strings.EqualFold(reg.Name, key) {
			return reg, nil
		}
	}
	if addr, err := strconv.ParseUint(key, 10, 16); err == nil {
		if reg, ok := m.Register(uint16(addr)); ok {
			return reg, nil
		}
	}
	return registermap.Register{}, fmt.Errorf("%w: %s", process.ErrUnknownRegister, key)
}

func access(reg registermap.Register) string {
	switch {
	case reg.Writable:
		return "rw"
	case !reg.Simulated():
		return "ro (static)"
	default:
		return "ro"
	}
}

func formatValue(v float64, unit string) string {
	s := formatNumber(v)
	if unit != "" {
		s += " " + unit
	}
	return s
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}
