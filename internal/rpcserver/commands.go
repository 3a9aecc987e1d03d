package rpcserver

import (
	"encoding/json"
	"errors"
	"os"

	"hsx/abi"
	"hsx/internal/eventbus"
	"hsx/internal/executive"
	"hsx/internal/hsxerr"
	"hsx/internal/memory"
)

// handlerFunc serves one decoded request line. Handlers that need to
// touch the Executive do so via s.srv.submit so the dispatcher
// goroutine is the only caller into it.
type handlerFunc func(s *session, req request) response

// handlers is the full command table, keyed by
// the JSON "cmd" field — the same shape as
// RunProgramDebugMode command loop (vm/run.go's chain of `if line ==
// "n" ... else if strings.HasPrefix(line, "b")`), generalized from a
// single hardcoded if/else chain into a lookup table since this
// surface has a couple dozen commands instead of three.
var handlers = map[string]handlerFunc{
	"session.open":      cmdSessionOpen,
	"session.close":     cmdSessionClose,
	"session.keepalive": cmdSessionKeepalive,
	"load":              cmdLoad,
	"ps":                cmdPs,
	"info":              cmdInfo,
	"clock":             cmdClock,
	"reg.get":           cmdRegGet,
	"mem.read":          cmdMemRead,
	"mem.write":         cmdMemWrite,
	"bp.set":            cmdBpSet,
	"bp.clear":          cmdBpClear,
	"bp.list":           cmdBpList,
	"stack.info":        cmdStackInfo,
	"mailbox.snapshot":  cmdMailboxSnapshot,
	"mailbox.send":      cmdMailboxSend,
	"mailbox.recv":      cmdMailboxRecv,
	"mailbox.peek":      cmdMailboxPeek,
	"events.subscribe":   cmdEventsSubscribe,
	"events.ack":         cmdEventsAck,
	"events.unsubscribe": cmdEventsUnsubscribe,
	"sched":             cmdSched,
}

func errFromAny(id uint64, err error) response {
	var rerr *hsxerr.RpcError
	if errors.As(err, &rerr) {
		return errResponse(id, string(rerr.Code), "%s", rerr.Message)
	}
	return errResponse(id, string(hsxerr.RpcInternal), "%s", err)
}

func badRequest(id uint64, err error) response {
	return errResponse(id, string(hsxerr.RpcBadRequest), "%s", err)
}

func taskSummary(t *executive.Task) map[string]any {
	return map[string]any{
		"pid": t.PID, "app_name": t.AppName, "state": t.State.String(),
		"pc": t.Ctx.PC, "steps_executed": t.Accounting.StepsExecuted,
		"switches": t.Accounting.Switches, "blocks": t.Accounting.Blocks,
		"wakes": t.Accounting.Wakes,
	}
}

func cmdSessionOpen(s *session, req request) response {
	return okResponse(req.ID, map[string]any{
		"session":          s.id,
		"capabilities":     capabilities,
		"protocol_version": protocolVersion,
	})
}

func cmdSessionClose(_ *session, req request) response {
	return okResponse(req.ID, map[string]any{"closed": true})
}

func cmdSessionKeepalive(_ *session, req request) response {
	return okResponse(req.ID, map[string]any{"alive": true})
}

type loadParams struct {
	Path          string `json:"path"`
	Bytes         []byte `json:"bytes"`
	AllowMultiple bool   `json:"allow_multiple"`
	StackSize     uint32 `json:"stack_size"`
}

func cmdLoad(s *session, req request) response {
	var p loadParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	data := p.Bytes
	if len(data) == 0 && p.Path != "" {
		raw, err := os.ReadFile(p.Path)
		if err != nil {
			return badRequest(req.ID, err)
		}
		data = raw
	}
	if len(data) == 0 {
		return errResponse(req.ID, string(hsxerr.RpcBadRequest), "load requires path or bytes")
	}
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		pid, name, err := e.Load(data, p.StackSize)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pid": pid, "app_name": name}, nil
	})
	if err != nil {
		return badRequest(req.ID, err)
	}
	return okResponse(req.ID, result)
}

type psParams struct {
	PID *int32 `json:"pid"`
}

func cmdPs(s *session, req request) response {
	var p psParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return badRequest(req.ID, err)
		}
	}
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		var tasks []*executive.Task
		if p.PID != nil {
			t, ok := e.Task(*p.PID)
			if !ok {
				return nil, hsxerr.NewRpcError(hsxerr.RpcPidUnknown, "pid %d not found", *p.PID)
			}
			tasks = []*executive.Task{t}
		} else {
			tasks = e.Tasks()
		}
		out := make([]map[string]any, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, taskSummary(t))
		}
		return out, nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, result)
}

type pidParams struct {
	PID int32 `json:"pid"`
}

func cmdInfo(s *session, req request) response {
	var p pidParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		t, ok := e.Task(p.PID)
		if !ok {
			return nil, hsxerr.NewRpcError(hsxerr.RpcPidUnknown, "pid %d not found", p.PID)
		}
		out := taskSummary(t)
		out["sp16"] = t.Ctx.SP16
		out["psw"] = t.Ctx.PSW
		out["stack_base"] = t.Ctx.StackBase
		out["stack_limit"] = t.Ctx.StackLimit
		out["reg_base"] = t.Ctx.RegBase
		if t.LastFault != nil {
			out["last_fault"] = map[string]any{
				"kind": t.LastFault.Kind, "pc": t.LastFault.PC, "note": t.LastFault.Note,
			}
		}
		return out, nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, result)
}

type clockParams struct {
	Op  string `json:"op"`
	N   int    `json:"n"`
	PID *int32 `json:"pid"`
}

func cmdClock(s *session, req request) response {
	var p clockParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	switch p.Op {
	case "step":
		n := p.N
		if n <= 0 {
			n = 1
		}
		result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
			if p.PID != nil {
				steps := 0
				for i := 0; i < n; i++ {
					if !e.StepTask(*p.PID) {
						break
					}
					steps++
				}
				return map[string]any{"stepped": steps, "tick": e.Tick()}, nil
			}
			stepped := e.StepN(n)
			return map[string]any{"stepped": stepped, "tick": e.Tick()}, nil
		})
		if err != nil {
			return errFromAny(req.ID, err)
		}
		return okResponse(req.ID, result)
	case "run":
		max := p.N
		if max <= 0 {
			max = 1_000_000
		}
		result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
			ran := e.RunUntilIdle(max)
			return map[string]any{"rounds": ran, "tick": e.Tick()}, nil
		})
		if err != nil {
			return errFromAny(req.ID, err)
		}
		return okResponse(req.ID, result)
	case "pause":
		// Cooperative scheduler: the executive never advances on its own
		// between clock.step/run calls, so there is nothing to stop —
		// this just acknowledges the client's intent.
		return okResponse(req.ID, map[string]any{"paused": true})
	default:
		return errResponse(req.ID, string(hsxerr.RpcBadRequest), "unknown clock op %q", p.Op)
	}
}

func cmdRegGet(s *session, req request) response {
	var p pidParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		t, ok := e.Task(p.PID)
		if !ok {
			return nil, hsxerr.NewRpcError(hsxerr.RpcPidUnknown, "pid %d not found", p.PID)
		}
		regs := make([]uint32, memory.NumRegisters)
		for i := range regs {
			v, _ := e.RAM().ReadRegister(t.Ctx.RegBase, uint8(i))
			regs[i] = v
		}
		return map[string]any{
			"pid": t.PID, "pc": t.Ctx.PC, "psw": t.Ctx.PSW, "sp16": t.Ctx.SP16, "regs": regs,
		}, nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, result)
}

type memReadParams struct {
	PID  int32  `json:"pid"`
	Addr uint32 `json:"addr"`
	Len  uint32 `json:"len"`
}

func cmdMemRead(s *session, req request) response {
	var p memReadParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		if _, ok := e.Task(p.PID); !ok {
			return nil, hsxerr.NewRpcError(hsxerr.RpcPidUnknown, "pid %d not found", p.PID)
		}
		b, err := e.RAM().ReadBlock(p.Addr, p.Len)
		if err != nil {
			return nil, hsxerr.NewRpcError(hsxerr.RpcBadRequest, "%s", err)
		}
		return map[string]any{"addr": p.Addr, "bytes": b}, nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, result)
}

type memWriteParams struct {
	PID   int32  `json:"pid"`
	Addr  uint32 `json:"addr"`
	Bytes []byte `json:"bytes"`
}

func cmdMemWrite(s *session, req request) response {
	var p memWriteParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		if _, ok := e.Task(p.PID); !ok {
			return nil, hsxerr.NewRpcError(hsxerr.RpcPidUnknown, "pid %d not found", p.PID)
		}
		if err := e.RAM().WriteBlock(p.Addr, p.Bytes); err != nil {
			return nil, hsxerr.NewRpcError(hsxerr.RpcBadRequest, "%s", err)
		}
		return map[string]any{"written": len(p.Bytes)}, nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, result)
}

type bpParams struct {
	PID  int32  `json:"pid"`
	Addr uint32 `json:"addr"`
}

func cmdBpSet(s *session, req request) response {
	var p bpParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	_, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		if _, ok := e.Task(p.PID); !ok {
			return nil, hsxerr.NewRpcError(hsxerr.RpcPidUnknown, "pid %d not found", p.PID)
		}
		e.SetBreakpoint(p.PID, p.Addr)
		return nil, nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, map[string]any{"set": true})
}

func cmdBpClear(s *session, req request) response {
	var p bpParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		return e.ClearBreakpoint(p.PID, p.Addr), nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, map[string]any{"cleared": result})
}

func cmdBpList(s *session, req request) response {
	var p pidParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		return e.ListBreakpoints(p.PID), nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, map[string]any{"breakpoints": result})
}

type stackInfoParams struct {
	PID       int32 `json:"pid"`
	MaxFrames int   `json:"max_frames"`
}

// cmdStackInfo reconstructs a call stack by walking pushed words from
// the current SP up to stack_base: CALL is the only instruction that
// pushes (always a return address), so every unconsumed word on the
// stack is, in order, a caller's resume address.
func cmdStackInfo(s *session, req request) response {
	var p stackInfoParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	if p.MaxFrames <= 0 {
		p.MaxFrames = 32
	}
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		t, ok := e.Task(p.PID)
		if !ok {
			return nil, hsxerr.NewRpcError(hsxerr.RpcPidUnknown, "pid %d not found", p.PID)
		}
		depth := -int32(int16(t.Ctx.SP16)) / 4
		frames := make([]uint32, 0, p.MaxFrames)
		addr := t.Ctx.StackBase + uint32(int32(int16(t.Ctx.SP16)))
		for i := 0; i < p.MaxFrames && addr < t.Ctx.StackBase; i++ {
			v, err := e.RAM().Read32(addr)
			if err != nil {
				break
			}
			frames = append(frames, v)
			addr += 4
		}
		return map[string]any{"sp16": t.Ctx.SP16, "depth": depth, "frames": frames}, nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, result)
}

func cmdMailboxSnapshot(s *session, req request) response {
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		return e.Mailbox().Snapshot(), nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, result)
}

// hostPID is the synthetic PID the RPC server uses when acting as a
// mailbox participant on the client's behalf (mailbox.send/recv/peek
// are host-side helpers, not guest SVC traps). No real task is ever
// assigned PID 0 since Executive.nextPID starts at 1.
const hostPID int32 = 0

type mailboxOpParams struct {
	Target string `json:"target"`
	Mode   uint32 `json:"mode"`
	MaxLen int    `json:"max_len"`
	Data   []byte `json:"data"`
}

func cmdMailboxSend(s *session, req request) response {
	var p mailboxOpParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		handle, _, status := e.Mailbox().Open(hostPID, p.Target, p.Mode|abi.ModeCreate)
		if status != abi.StatusOK {
			return nil, hsxerr.NewRpcError(hsxerr.RpcInternal, "open %s: %s", p.Target, status)
		}
		sendStatus, blocked := e.Mailbox().Send(hostPID, handle, p.Data, e.Tick())
		if blocked {
			return nil, hsxerr.NewRpcError(hsxerr.RpcInternal, "send to %s would block; host sends are never queued", p.Target)
		}
		return map[string]any{"status": sendStatus.String()}, nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, result)
}

func cmdMailboxRecv(s *session, req request) response {
	var p mailboxOpParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	if p.MaxLen <= 0 {
		p.MaxLen = 4096
	}
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		handle, _, status := e.Mailbox().Open(hostPID, p.Target, p.Mode)
		if status != abi.StatusOK {
			return nil, hsxerr.NewRpcError(hsxerr.RpcInternal, "open %s: %s", p.Target, status)
		}
		// Host-side RECV never blocks: there is no notion of waking the
		// RPC dispatcher goroutine the way a parked task wakes, so this
		// always resolves as POLL regardless of what the client asked.
		recvStatus, msg, _ := e.Mailbox().Recv(hostPID, handle, p.MaxLen, abi.TimeoutPoll, e.Tick())
		return map[string]any{"status": recvStatus.String(), "data": msg.Data, "src_pid": msg.SrcPID}, nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, result)
}

func cmdMailboxPeek(s *session, req request) response {
	var p mailboxOpParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		handle, _, status := e.Mailbox().Open(hostPID, p.Target, p.Mode)
		if status != abi.StatusOK {
			return nil, hsxerr.NewRpcError(hsxerr.RpcInternal, "open %s: %s", p.Target, status)
		}
		peekStatus, length, channel, srcPID := e.Mailbox().Peek(hostPID, handle)
		return map[string]any{
			"status": peekStatus.String(), "length": length, "channel": channel, "src_pid": srcPID,
		}, nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, result)
}

type eventsSubscribeParams struct {
	PIDs       []int32  `json:"pids"`
	Categories []string `json:"categories"`
	SinceSeq   uint64   `json:"since_seq"`
	Capacity   int      `json:"capacity"`
}

func cmdEventsSubscribe(s *session, req request) response {
	var p eventsSubscribeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return badRequest(req.ID, err)
		}
	}
	if p.Capacity <= 0 {
		p.Capacity = 256
	}
	filter := eventbus.Filter{SinceSeq: p.SinceSeq}
	if len(p.PIDs) > 0 {
		filter.PIDs = make(map[int32]bool, len(p.PIDs))
		for _, pid := range p.PIDs {
			filter.PIDs[pid] = true
		}
	}
	if len(p.Categories) > 0 {
		filter.Categories = make(map[eventbus.Category]bool, len(p.Categories))
		for _, c := range p.Categories {
			filter.Categories[eventbus.Category(c)] = true
		}
	}
	sub := s.srv.bus.Subscribe(filter, p.Capacity)
	s.subMu.Lock()
	s.sub = sub
	s.subMu.Unlock()
	return okResponse(req.ID, map[string]any{"subscription": sub.ID()})
}

func cmdEventsAck(s *session, req request) response {
	var p struct {
		Seq uint64 `json:"seq"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return badRequest(req.ID, err)
	}
	s.subMu.Lock()
	sub := s.sub
	s.subMu.Unlock()
	if sub == nil {
		return errResponse(req.ID, string(hsxerr.RpcBadRequest), "no active subscription")
	}
	sub.Ack(p.Seq)
	return okResponse(req.ID, map[string]any{"acked": p.Seq})
}

func cmdEventsUnsubscribe(s *session, req request) response {
	s.subMu.Lock()
	sub := s.sub
	s.sub = nil
	s.subMu.Unlock()
	if sub != nil {
		s.srv.bus.Unsubscribe(sub.ID())
	}
	return okResponse(req.ID, map[string]any{"unsubscribed": true})
}

func cmdSched(s *session, req request) response {
	result, err := s.srv.submit(func(e *executive.Executive) (any, error) {
		tasks := e.Tasks()
		counters := make([]map[string]any, 0, len(tasks))
		for _, t := range tasks {
			counters = append(counters, map[string]any{
				"pid": t.PID, "steps": t.Accounting.StepsExecuted,
				"blocks": t.Accounting.Blocks, "wakes": t.Accounting.Wakes,
			})
		}
		return map[string]any{
			"tick": e.Tick(), "rotations": e.Rotations(), "counters": counters,
			"trace_ring": s.srv.bus.Retained(128),
		}, nil
	})
	if err != nil {
		return errFromAny(req.ID, err)
	}
	return okResponse(req.ID, result)
}
