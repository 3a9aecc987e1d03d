package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hsx/internal/eventbus"
	"hsx/internal/executive"
	"hsx/internal/hsxlog"
	"hsx/internal/rpcserver"
)

// defaultRAMBytes sizes the shared address space a serve instance hands
// every loaded task's regions out of.
const defaultRAMBytes = 16 * 1024 * 1024

// retainedEvents bounds the event bus's since_seq replay ring.
const retainedEvents = 4096

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:7777", "address to listen on")
	ramBytes := fs.Uint("ram", defaultRAMBytes, "shared RAM size in bytes")
	maxSessions := fs.Int("max-sessions", rpcserver.DefaultMaxSessions, "maximum concurrent RPC sessions")
	fs.Parse(args)

	log := hsxlog.Default
	bus := eventbus.NewBus(retainedEvents)
	exec := executive.New(uint32(*ramBytes), bus)
	srv := rpcserver.New(exec, bus, *maxSessions)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("serve: listening", "addr", *addr, "ram_bytes", *ramBytes, "max_sessions", *maxSessions)
	if err := srv.ListenAndServe(ctx, *addr); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "hsxvm serve:", err)
		return 1
	}
	log.Info("serve: shut down")
	return 0
}
