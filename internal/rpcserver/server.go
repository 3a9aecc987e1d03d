package rpcserver

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"hsx/internal/eventbus"
	"hsx/internal/executive"
	"hsx/internal/hsxlog"
)

// DefaultMaxSessions bounds concurrent connection handlers absent an
// explicit --max-sessions override.
const DefaultMaxSessions = 32

// job is one command submitted from a session goroutine to the single
// dispatcher goroutine that owns the Executive. Confining all VM/task
// mutation to one thread means every RPC handler that touches the
// Executive runs inside fn here instead of on the session's own
// goroutine.
type job struct {
	fn   func(*executive.Executive) (any, error)
	resp chan jobResult
}

type jobResult struct {
	result any
	err    error
}

// Server owns the Executive, the event bus, and the TCP listener. Each
// accepted connection runs in its own goroutine, bounded by a weighted
// semaphore; every one of them submits work as a job so only the
// dispatcher goroutine ever calls into the Executive, generalizing the
// single-goroutine RunProgramDebugMode loop to many
// concurrent RPC clients without letting more than one of them touch
// VM state directly.
type Server struct {
	exec *executive.Executive
	bus  *eventbus.Bus
	log  *hsxlog.Logger

	jobs chan job
	sem  *semaphore.Weighted

	sessionsMu sync.Mutex
	nextSessID uint64
}

// New creates a Server over exec/bus, accepting up to maxSessions
// concurrent client connections (DefaultMaxSessions if <= 0).
func New(exec *executive.Executive, bus *eventbus.Bus, maxSessions int) *Server {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Server{
		exec: exec,
		bus:  bus,
		log:  hsxlog.Default,
		jobs: make(chan job, 64),
		sem:  semaphore.NewWeighted(int64(maxSessions)),
	}
}

// submit hands fn to the dispatcher goroutine and blocks for its
// result. Safe to call from any session goroutine.
func (s *Server) submit(fn func(*executive.Executive) (any, error)) (any, error) {
	j := job{fn: fn, resp: make(chan jobResult, 1)}
	s.jobs <- j
	r := <-j.resp
	return r.result, r.err
}

// dispatchLoop is the only goroutine that ever touches s.exec directly.
// It runs until ctx is cancelled.
func (s *Server) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			result, err := j.fn(s.exec)
			j.resp <- jobResult{result: result, err: err}
		}
	}
}

// ListenAndServe runs the accept loop on addr until ctx is cancelled or
// the listener errors. This generalizes bassosimone-risc32's
// TTYAcceptConn (net.Listen("tcp", ...) then an unbounded Accept loop)
// with a semaphore-bounded, errgroup-coordinated shutdown so `serve`
// can drain in-flight sessions before returning, the way main.go's
// main() defers its VM recovery instead of letting a panic escape bare.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.dispatchLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-gctx.Done():
				return g.Wait()
			default:
				return err
			}
		}
		if err := s.sem.Acquire(gctx, 1); err != nil {
			conn.Close()
			return g.Wait()
		}

		s.sessionsMu.Lock()
		s.nextSessID++
		sessID := s.nextSessID
		s.sessionsMu.Unlock()

		g.Go(func() error {
			defer s.sem.Release(1)
			sess := newSession(s, sessID, conn)
			sess.run(gctx)
			return nil
		})
	}
}
