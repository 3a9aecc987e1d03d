// Command hsxvm is the reference control-plane client for an HSX host
// process, plus the `serve` subcommand that runs the host process
// itself. Every other subcommand is a thin JSON-lines RPC client
// against a running `hsxvm serve` — the same load/run/step/break
// vocabulary as vm/run.go's RunProgramDebugMode console, split across a
// process boundary instead of one in-memory VM.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	switch args[0] {
	case "serve":
		return cmdServe(args[1:])
	case "load":
		return cmdLoad(args[1:])
	case "ps":
		return cmdPs(args[1:])
	case "clock":
		return cmdClock(args[1:])
	case "repl":
		return cmdRepl(args[1:])
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "hsxvm: unknown command %q\n", args[0])
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: hsxvm <command> [flags]

commands:
  serve   [--addr host:port] [--ram bytes] [--max-sessions N]
  load    <file.hxe> [--addr host:port] [--allow-multiple] [--stack bytes]
  ps      [--pid N] --addr host:port
  clock   step|run N [--pid N] --addr host:port
  repl    --addr host:port
`)
}

func addrFlag(fs *flag.FlagSet) *string {
	return fs.String("addr", "127.0.0.1:7777", "host:port of a running hsxvm serve")
}

func printResult(r json.RawMessage) {
	var pretty map[string]any
	if err := json.Unmarshal(r, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Println(string(r))
}

func cmdLoad(args []string) int {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	addr := addrFlag(fs)
	allowMultiple := fs.Bool("allow-multiple", false, "allow a second instance of this app name")
	stack := fs.Uint("stack", 0, "per-task stack size in bytes (0 = default)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "hsxvm load: missing <file.hxe>")
		return 2
	}

	c, err := dial(*addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hsxvm:", err)
		return 1
	}
	defer c.Close()

	resp, err := c.call("load", map[string]any{
		"path": fs.Arg(0), "allow_multiple": *allowMultiple, "stack_size": *stack,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "hsxvm:", err)
		return exitCodeFor(resp)
	}
	printResult(resp.Result)
	return 0
}

func cmdPs(args []string) int {
	fs := flag.NewFlagSet("ps", flag.ExitOnError)
	addr := addrFlag(fs)
	pid := fs.Int("pid", -1, "show only this pid")
	fs.Parse(args)

	c, err := dial(*addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hsxvm:", err)
		return 1
	}
	defer c.Close()

	params := map[string]any{}
	if *pid >= 0 {
		params["pid"] = *pid
	}
	resp, err := c.call("ps", params)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hsxvm:", err)
		return exitCodeFor(resp)
	}
	printResult(resp.Result)
	return 0
}

func cmdClock(args []string) int {
	fs := flag.NewFlagSet("clock", flag.ExitOnError)
	addr := addrFlag(fs)
	pid := fs.Int("pid", -1, "step only this pid")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "hsxvm clock: missing step|run|pause")
		return 2
	}
	op := fs.Arg(0)
	n := 1
	if fs.NArg() >= 2 {
		fmt.Sscanf(fs.Arg(1), "%d", &n)
	}

	c, err := dial(*addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hsxvm:", err)
		return 1
	}
	defer c.Close()

	params := map[string]any{"op": op, "n": n}
	if *pid >= 0 {
		params["pid"] = *pid
	}
	resp, err := c.call("clock", params)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hsxvm:", err)
		return exitCodeFor(resp)
	}
	printResult(resp.Result)
	return 0
}
