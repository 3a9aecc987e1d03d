package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// cmdRepl is the interactive debug console: raw-mode single-keystroke
// command entry against a running hsxvm serve, generalizing the
// vm/run.go's RunProgramDebugMode `n`/`r`/`b <line>` loop —
// here `b` takes a pid and address since a single console now debugs a
// whole task table instead of one in-process VM.
func cmdRepl(args []string) int {
	fs := flag.NewFlagSet("repl", flag.ExitOnError)
	addr := addrFlag(fs)
	fs.Parse(args)

	c, err := dial(*addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hsxvm:", err)
		return 1
	}
	defer c.Close()

	if resp, err := c.call("session.open", nil); err != nil {
		fmt.Fprintln(os.Stderr, "hsxvm:", err)
		return exitCodeFor(resp)
	}

	fmt.Println(`hsx debug console. commands:
  n                 step one instruction (all ready tasks)
  n <pid>           step pid out of turn
  r [n]             run n rotations (default: until idle)
  b <pid> <addr>    set breakpoint
  b <pid> <addr> -  clear breakpoint
  ps                list tasks
  info <pid>        task detail
  q                 quit`)

	raw, rawErr := enterRawMode()
	if rawErr == nil {
		defer raw.restore()
	}

	for {
		fmt.Print("\r\n-> ")
		line, err := readCommandLine(raw != nil)
		if err != nil {
			return 0
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)

		switch fields[0] {
		case "q", "quit", "exit":
			c.call("session.close", nil)
			return 0
		case "n", "next":
			params := map[string]any{"op": "step", "n": 1}
			if len(fields) > 1 {
				if pid, err := strconv.Atoi(fields[1]); err == nil {
					params["pid"] = pid
				}
			}
			replCall(c, "clock", params)
		case "r", "run":
			n := 1_000_000
			if len(fields) > 1 {
				if v, err := strconv.Atoi(fields[1]); err == nil {
					n = v
				}
			}
			replCall(c, "clock", map[string]any{"op": "run", "n": n})
		case "b", "break":
			if len(fields) < 3 {
				fmt.Println("usage: b <pid> <addr> [-]")
				continue
			}
			pid, _ := strconv.Atoi(fields[1])
			addrVal, _ := strconv.ParseUint(fields[2], 0, 32)
			if len(fields) > 3 && fields[3] == "-" {
				replCall(c, "bp.clear", map[string]any{"pid": pid, "addr": addrVal})
			} else {
				replCall(c, "bp.set", map[string]any{"pid": pid, "addr": addrVal})
			}
		case "ps":
			replCall(c, "ps", map[string]any{})
		case "info":
			if len(fields) < 2 {
				fmt.Println("usage: info <pid>")
				continue
			}
			pid, _ := strconv.Atoi(fields[1])
			replCall(c, "info", map[string]any{"pid": pid})
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

// fastKeys are single-letter commands that fire the instant they're
// typed, without waiting on Enter. Anything else falls through to line
// editing since b/info need numeric arguments typed out.
var fastKeys = map[byte]string{'n': "n", 'r': "r", 'q': "q", 'p': "ps"}

// readCommandLine reads one command from stdin. In raw mode, a bare
// fastKeys byte returns immediately; any other byte starts a small
// line editor (printable echo, backspace, Enter-to-submit) since raw
// mode disables the terminal's own echo and line discipline. Outside
// raw mode (stdin not a tty, e.g. piped input) it falls back to plain
// line buffering.
func readCommandLine(raw bool) (string, error) {
	if !raw {
		return readPlainLine()
	}
	var buf [1]byte
	if _, err := os.Stdin.Read(buf[:]); err != nil {
		return "", err
	}
	b := buf[0]
	if b == 3 { // Ctrl-C
		return "", fmt.Errorf("interrupted")
	}
	if cmd, ok := fastKeys[b]; ok {
		fmt.Print(string(b))
		return cmd, nil
	}
	fmt.Print(string(b))
	line := []byte{b}
	for {
		if _, err := os.Stdin.Read(buf[:]); err != nil {
			return "", err
		}
		b := buf[0]
		switch {
		case b == '\r' || b == '\n':
			return string(line), nil
		case b == 127 || b == 8: // backspace/delete
			if len(line) > 0 {
				line = line[:len(line)-1]
				fmt.Print("\b \b")
			}
		case b == 3:
			return "", fmt.Errorf("interrupted")
		default:
			line = append(line, b)
			fmt.Print(string(b))
		}
	}
}

func readPlainLine() (string, error) {
	var line []byte
	var buf [1]byte
	for {
		n, err := os.Stdin.Read(buf[:])
		if n == 0 || err != nil {
			if len(line) > 0 {
				return string(line), nil
			}
			return "", err
		}
		if buf[0] == '\n' {
			return string(line), nil
		}
		line = append(line, buf[0])
	}
}

func replCall(c *client, cmd string, params any) {
	resp, err := c.call(cmd, params)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	printResult(resp.Result)
}

// rawTerminal wraps the restore step x/term requires after putting the
// console into raw mode, so hsxvm repl can read single keystrokes for
// `n`/`r`/`q`/`p` without waiting on Enter, the way vm/run.go's REPL never
// could (it only ever used a line-buffered bufio.Reader in
// RunProgramDebugMode).
type rawTerminal struct {
	fd    int
	state *term.State
}

func (r *rawTerminal) restore() {
	if r.state != nil {
		term.Restore(r.fd, r.state)
	}
}

func enterRawMode() (*rawTerminal, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &rawTerminal{fd: fd, state: state}, nil
}
