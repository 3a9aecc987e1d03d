package mailbox

import (
	"sort"

	"hsx/abi"
)

// tryDequeue pops the next message visible to subID (0 = the
// descriptor's shared default queue; nonzero = a fanout/tap
// subscriber's own copy queue) without blocking.
func tryDequeue(d *descriptor, subID uint32) (Message, bool) {
	if subID == 0 {
		if len(d.defaultQueue) == 0 {
			return Message{}, false
		}
		msg := d.defaultQueue[0]
		d.defaultQueue = d.defaultQueue[1:]
		d.headSeq = msg.Seq + 1
		return msg, true
	}
	sub := d.fanout[subID]
	if sub == nil || len(sub.queue) == 0 {
		return Message{}, false
	}
	msg := sub.queue[0]
	sub.queue = sub.queue[1:]
	return msg, true
}

func peekFront(d *descriptor, subID uint32) (Message, bool) {
	if subID == 0 {
		if len(d.defaultQueue) == 0 {
			return Message{}, false
		}
		return d.defaultQueue[0], true
	}
	sub := d.fanout[subID]
	if sub == nil || len(sub.queue) == 0 {
		return Message{}, false
	}
	return sub.queue[0], true
}

// deliverLocked enqueues data into d following its fan-out/default
// delivery policy. It returns (StatusFull, true) when the caller must
// block (ModeSendBlock/ModeFANOUTBlock and no room); the caller is
// responsible for parking and retrying via tryAdmitSenders once space
// opens up.
func (m *Manager) deliverLocked(d *descriptor, srcPID int32, data []byte) (abi.MailboxStatus, bool) {
	payload := append([]byte(nil), data...)
	seq := d.nextSeq
	d.nextSeq++
	msg := Message{Seq: seq, SrcPID: srcPID, Data: payload}

	hasFanout := false
	for _, sub := range d.fanout {
		if !sub.tap {
			hasFanout = true
		}
	}

	// Tap subscribers always receive a non-destructive copy; they never
	// affect consumption or capacity.
	for _, sub := range d.fanout {
		if sub.tap {
			sub.queue = append(sub.queue, msg)
		}
	}

	if hasFanout {
		overran := false
		for _, sub := range d.fanout {
			if sub.tap {
				continue
			}
			if len(sub.queue) >= d.capacity {
				switch {
				case d.mode&abi.ModeFANOUTDrop != 0 && len(sub.queue) > 0:
					sub.queue = sub.queue[1:]
					overran = true
				case d.mode&abi.ModeFANOUTBlock != 0:
					return abi.StatusFull, true
				default:
					// Retention bound hit with neither drop nor block
					// configured: this subscriber silently misses the
					// message rather than stalling every other
					// subscriber's delivery.
					continue
				}
			}
			sub.queue = append(sub.queue, msg)
		}
		m.wakeReady(d)
		if overran {
			return abi.StatusOverrun, false
		}
		return abi.StatusOK, false
	}

	if len(d.defaultQueue) >= d.capacity {
		switch {
		case d.mode&abi.ModeSendDrop != 0 && len(d.defaultQueue) > 0:
			d.defaultQueue = d.defaultQueue[1:]
			d.defaultQueue = append(d.defaultQueue, msg)
			m.wakeReady(d)
			// DROP still admits the new message but tells the sender
			// the oldest one was discarded to make room, per the
			// "DROP discards oldest or returns OVERRUN" status
			// taxonomy.
			return abi.StatusOverrun, false
		case d.mode&abi.ModeSendBlock != 0:
			return abi.StatusFull, true
		default:
			return abi.StatusFull, false
		}
	}
	d.defaultQueue = append(d.defaultQueue, msg)
	m.wakeReady(d)
	return abi.StatusOK, false
}

// Send enqueues data on handle h. blocked reports whether the caller
// must be parked in WAIT_MBX_SEND; the eventual completion status
// arrives later through Drain.
func (m *Manager) Send(pid int32, h Handle, data []byte, nowTick int64) (status abi.MailboxStatus, blocked bool) {
	d, _, ok := m.lookup(pid, h)
	if !ok {
		return abi.StatusNoDescriptor, false
	}
	status, wouldBlock := m.deliverLocked(d, pid, data)
	if wouldBlock {
		d.sendWaiters = append(d.sendWaiters, &waiter{
			pid: pid, handle: h, srcPID: pid,
			pendingSend: append([]byte(nil), data...),
		})
		return abi.StatusFull, true
	}
	return status, false
}

// Recv dequeues the next message visible to h. blocked reports whether
// the caller must be parked in WAIT_MBX; the eventual completion
// arrives later through Drain.
func (m *Manager) Recv(pid int32, h Handle, maxLen int, timeout abi.RecvTimeout, nowTick int64) (status abi.MailboxStatus, msg Message, blocked bool) {
	d, ent, ok := m.lookup(pid, h)
	if !ok {
		return abi.StatusNoDescriptor, Message{}, false
	}
	subID := uint32(0)
	if ent.isFanOr {
		subID = ent.subID
	}
	if got, ok := tryDequeue(d, subID); ok {
		if maxLen > 0 && len(got.Data) > maxLen {
			got.Data = got.Data[:maxLen]
		}
		m.tryAdmitSenders(d)
		return abi.StatusOK, got, false
	}
	if timeout == abi.TimeoutPoll {
		return abi.StatusEmpty, Message{}, false
	}
	w := &waiter{pid: pid, handle: h, subID: subID, maxLen: maxLen}
	if timeout != abi.TimeoutInfinite {
		w.hasDeadline = true
		w.deadlineTick = nowTick + int64(timeout)
	}
	d.recvWaiters = append(d.recvWaiters, w)
	return abi.StatusOK, Message{}, true
}

// Peek reports the next message's metadata without consuming it.
func (m *Manager) Peek(pid int32, h Handle) (status abi.MailboxStatus, length int, channel uint32, srcPID int32) {
	d, ent, ok := m.lookup(pid, h)
	if !ok {
		return abi.StatusNoDescriptor, 0, 0, 0
	}
	subID := uint32(0)
	if ent.isFanOr {
		subID = ent.subID
	}
	msg, ok := peekFront(d, subID)
	if !ok {
		return abi.StatusEmpty, 0, 0, 0
	}
	return abi.StatusOK, len(msg.Data), msg.Channel, msg.SrcPID
}

// wakeReady satisfies as many of d's recv waiters as the current queue
// contents allow, in FIFO order, queuing a Completion for each.
func (m *Manager) wakeReady(d *descriptor) {
	remain := d.recvWaiters[:0:0]
	for _, w := range d.recvWaiters {
		msg, ok := tryDequeue(d, w.subID)
		if !ok {
			remain = append(remain, w)
			continue
		}
		if w.maxLen > 0 && len(msg.Data) > w.maxLen {
			msg.Data = msg.Data[:w.maxLen]
		}
		m.pending = append(m.pending, Completion{
			PID: w.pid, Status: abi.StatusOK, Length: len(msg.Data),
			Data: msg.Data, Channel: msg.Channel, SrcPID: msg.SrcPID,
		})
		m.tryAdmitSenders(d)
	}
	d.recvWaiters = remain
}

// tryAdmitSenders retries queued blocked SENDs now that wakeReady may
// have freed capacity, in FIFO order, stopping at the first one that
// still does not fit.
func (m *Manager) tryAdmitSenders(d *descriptor) {
	for len(d.sendWaiters) > 0 {
		w := d.sendWaiters[0]
		status, wouldBlock := m.deliverLocked(d, w.srcPID, w.pendingSend)
		if wouldBlock {
			break
		}
		d.sendWaiters = d.sendWaiters[1:]
		m.pending = append(m.pending, Completion{PID: w.pid, Status: status})
	}
}

// Tick advances timeout bookkeeping: any recv waiter whose deadline has
// passed is completed with StatusTimeout
// "finite deadlines are checked against a monotonic tick on every
// scheduler round".
func (m *Manager) Tick(nowTick int64) {
	for _, d := range m.descriptors {
		remain := d.recvWaiters[:0:0]
		for _, w := range d.recvWaiters {
			if w.hasDeadline && nowTick >= w.deadlineTick {
				m.pending = append(m.pending, Completion{PID: w.pid, Status: abi.StatusTimeout})
				continue
			}
			remain = append(remain, w)
		}
		d.recvWaiters = remain
	}
}

// Drain returns and clears every Completion queued since the last
// call. The Executive calls this once per scheduler round, right after
// Tick, to apply wakeups to parked tasks.
func (m *Manager) Drain() []Completion {
	out := m.pending
	m.pending = nil
	return out
}

// DescriptorSnapshot is the host-facing view of a descriptor for the
// mailbox.snapshot RPC command.
type DescriptorSnapshot struct {
	ID          uint64
	Namespace   uint8
	Name        string
	Owner       int32
	Capacity    int
	QueueDepth  int
	Subscribers int
}

// Snapshot lists every live descriptor, ordered by ID for stable RPC
// output.
func (m *Manager) Snapshot() []DescriptorSnapshot {
	out := make([]DescriptorSnapshot, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		depth := len(d.defaultQueue)
		for _, sub := range d.fanout {
			depth += len(sub.queue)
		}
		out = append(out, DescriptorSnapshot{
			ID: d.id, Namespace: d.target.Namespace, Name: d.target.Name,
			Owner: d.target.Owner, Capacity: d.capacity, QueueDepth: depth,
			Subscribers: len(d.fanout),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
