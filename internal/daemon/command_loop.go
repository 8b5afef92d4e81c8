package daemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// Command is a parsed console line. Grounded on original_source's
// ratd/src/console.rs ConsoleCommand enum and CommandRouter::parse.
type Command struct {
	Kind        CommandKind
	SourceIndex int
	Enabled     bool
	Path        string
	Raw         string
}

// CommandKind tags which console command a line parsed to.
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdHelp
	CmdStatus
	CmdSourceList
	CmdSourceUse
	CmdBridge
	CmdJSONL
	CmdQuit
)

// ParseCommand mirrors CommandRouter::parse's prefix-matching shape: each
// recognized verb consumes its own branch, falling through to CmdUnknown
// for anything it can't parse cleanly (rather than silently ignoring it).
func ParseCommand(line string) Command {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Command{Kind: CmdUnknown, Raw: trimmed}
	}

	switch trimmed {
	case "$help":
		return Command{Kind: CmdHelp}
	case "$status":
		return Command{Kind: CmdStatus}
	case "$quit":
		return Command{Kind: CmdQuit}
	}

	if rest, ok := strings.CutPrefix(trimmed, "$source"); ok {
		fields := strings.Fields(rest)
		switch {
		case len(fields) == 1 && fields[0] == "list":
			return Command{Kind: CmdSourceList}
		case len(fields) == 2 && fields[0] == "use":
			idx, err := strconv.Atoi(fields[1])
			if err != nil {
				return Command{Kind: CmdUnknown, Raw: trimmed}
			}
			return Command{Kind: CmdSourceUse, SourceIndex: idx}
		default:
			return Command{Kind: CmdUnknown, Raw: trimmed}
		}
	}

	if rest, ok := strings.CutPrefix(trimmed, "$foxglove"); ok {
		return parseOnOff(rest, trimmed, CmdBridge, false)
	}
	if rest, ok := strings.CutPrefix(trimmed, "$bridge"); ok {
		return parseOnOff(rest, trimmed, CmdBridge, false)
	}
	if rest, ok := strings.CutPrefix(trimmed, "$jsonl"); ok {
		return parseOnOff(rest, trimmed, CmdJSONL, true)
	}

	return Command{Kind: CmdUnknown, Raw: trimmed}
}

func parseOnOff(rest, raw string, kind CommandKind, allowPath bool) Command {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Command{Kind: CmdUnknown, Raw: raw}
	}
	switch strings.ToLower(fields[0]) {
	case "on":
		cmd := Command{Kind: kind, Enabled: true}
		if allowPath && len(fields) == 2 {
			cmd.Path = fields[1]
		} else if len(fields) > 2 || (!allowPath && len(fields) > 1) {
			return Command{Kind: CmdUnknown, Raw: raw}
		}
		return cmd
	case "off":
		if len(fields) != 1 {
			return Command{Kind: CmdUnknown, Raw: raw}
		}
		return Command{Kind: kind, Enabled: false}
	default:
		return Command{Kind: CmdUnknown, Raw: raw}
	}
}

// CommandLoop reads newline-delimited console commands from r and
// dispatches them against a Daemon until $quit or the reader is exhausted.
type CommandLoop struct {
	daemon *Daemon
	logger *slog.Logger
	out    io.Writer
}

// NewCommandLoop returns a CommandLoop writing prompts/output to out.
func NewCommandLoop(d *Daemon, logger *slog.Logger, out io.Writer) *CommandLoop {
	return &CommandLoop{daemon: d, logger: logger, out: out}
}

// Run scans r line by line until $quit is entered or r is exhausted.
func (c *CommandLoop) Run(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		cmd := ParseCommand(scanner.Text())
		if c.dispatch(ctx, cmd) {
			return
		}
	}
}

// dispatch executes one parsed command and reports whether the loop should
// stop (true on $quit).
func (c *CommandLoop) dispatch(ctx context.Context, cmd Command) bool {
	switch cmd.Kind {
	case CmdHelp:
		fmt.Fprintln(c.out, "commands: $source list, $source use <index>, $foxglove on|off, $jsonl on|off [path], $status, $quit")
	case CmdStatus:
		st := c.daemon.Snapshot()
		fmt.Fprintln(c.out, "status:")
		fmt.Fprintf(c.out, "  source: %s\n", st.Source)
		fmt.Fprintf(c.out, "  generation: %d\n", st.Generation)
		fmt.Fprintf(c.out, "  jsonl: %s\n", onOff(st.JSONLEnabled))
		fmt.Fprintf(c.out, "  bridge: %s (%s)\n", onOff(st.BridgeEnabled), st.BridgeAddr)
		if len(st.UnhealthySinks) > 0 {
			fmt.Fprintf(c.out, "  unhealthy sinks: %v\n", st.UnhealthySinks)
		}
	case CmdSourceList:
		fmt.Fprintln(c.out, "source selection is fixed to the configured listener address in this build")
	case CmdSourceUse:
		fmt.Fprintln(c.out, "source switching by index is not wired to a source catalog in this build")
	case CmdBridge:
		c.daemon.SetBridge(cmd.Enabled)
		fmt.Fprintf(c.out, "bridge output: %s\n", onOff(cmd.Enabled))
	case CmdJSONL:
		c.daemon.SetJSONL(cmd.Enabled, cmd.Path)
		fmt.Fprintf(c.out, "jsonl output: %s\n", onOff(cmd.Enabled))
	case CmdQuit:
		fmt.Fprintln(c.out, "bye")
		return true
	default:
		fmt.Fprintf(c.out, "unknown command: %s\n", cmd.Raw)
	}
	return false
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
