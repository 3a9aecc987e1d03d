package mailbox

import "hsx/abi"

// Handle is a per-task opaque reference into Manager's handle table,
// returned from OPEN/BIND and consumed by every later call.
type Handle uint32

// Message is one enqueued payload plus the delivery metadata RECV/PEEK
// report back to the guest.
type Message struct {
	Seq     uint64
	SrcPID  int32
	Channel uint32
	Data    []byte
}

// Completion is a finished asynchronous RECV or SEND the Executive must
// apply to a parked task: write status/length/data into its result
// registers and move it back to READY. Manager never touches task
// state directly; Drain is the only channel back to the Executive.
type Completion struct {
	PID    int32
	Status abi.MailboxStatus
	Length int
	Data   []byte
	// Channel/SrcPID are populated for RECV completions with info_out.
	Channel uint32
	SrcPID  int32
}

type waiter struct {
	pid          int32
	handle       Handle
	subID        uint32 // which fanout/tap subscriber this RECV waiter watches, 0 = default queue
	maxLen       int
	deadlineTick int64
	hasDeadline  bool
	// pendingSend carries the payload for a blocked SEND; nil for RECV waiters.
	pendingSend []byte
	srcPID      int32
}

type fanoutSub struct {
	id     uint32
	tap    bool
	queue  []Message
	closed bool
}

type descriptor struct {
	id        uint64
	target    Target
	capacity  int
	mode      uint32
	transient bool // auto-created (no explicit BIND), reclaimed when last handle closes

	defaultQueue []Message
	fanout       map[uint32]*fanoutSub
	nextSubID    uint32

	nextSeq uint64
	headSeq uint64

	recvWaiters []*waiter
	sendWaiters []*waiter

	refCount int
}

type handleEntry struct {
	descID  uint64
	subID   uint32 // 0 if not a fanout/tap subscriber
	isFanOr bool
}

// Manager owns the global descriptor table and every task's handle
// table. It is not safe for concurrent use; confines
// all mailbox mutation to the executive thread.
type Manager struct {
	descriptors map[uint64]*descriptor
	byKey       map[key]*descriptor
	nextDescID  uint64

	handles    map[int32]map[Handle]*handleEntry
	nextHandle map[int32]Handle

	pending []Completion
}

// NewManager creates an empty mailbox manager.
func NewManager() *Manager {
	return &Manager{
		descriptors: make(map[uint64]*descriptor),
		byKey:       make(map[key]*descriptor),
		handles:     make(map[int32]map[Handle]*handleEntry),
		nextHandle:  make(map[int32]Handle),
	}
}

func (m *Manager) allocHandle(pid int32) Handle {
	m.nextHandle[pid]++
	h := m.nextHandle[pid]
	if m.handles[pid] == nil {
		m.handles[pid] = make(map[Handle]*handleEntry)
	}
	return h
}

func (m *Manager) lookup(pid int32, h Handle) (*descriptor, *handleEntry, bool) {
	table := m.handles[pid]
	if table == nil {
		return nil, nil, false
	}
	ent, ok := table[h]
	if !ok {
		return nil, nil, false
	}
	d, ok := m.descriptors[ent.descID]
	return d, ent, ok
}

// findOrCreate returns the descriptor for t. existed reports whether it
// was already present; when it is freshly created, the caller is
// responsible for setting its transience.
func (m *Manager) findOrCreate(t Target, capacity int, mode uint32, create bool) (d *descriptor, existed bool) {
	if d, ok := m.byKey[t.key()]; ok {
		return d, true
	}
	if !create {
		return nil, false
	}
	m.nextDescID++
	d = &descriptor{
		id:       m.nextDescID,
		target:   t,
		capacity: capacity,
		mode:     mode,
		fanout:   make(map[uint32]*fanoutSub),
	}
	m.descriptors[d.id] = d
	m.byKey[t.key()] = d
	return d, false
}

// Open resolves target, looking up an existing descriptor or creating
// one when abi.ModeCreate is set and the caller owns the namespace
// (PID/SVC targets are always owned by their implied PID; APP/SHARED
// creation is permitted for any caller, matching vm/devices.go's
// permissive single-tenant device model).
func (m *Manager) Open(pid int32, rawTarget string, modeMask uint32) (Handle, uint64, abi.MailboxStatus) {
	t, err := ParseTarget(rawTarget, pid)
	if err != nil {
		return 0, 0, abi.StatusNoDescriptor
	}
	create := modeMask&abi.ModeCreate != 0
	if (t.Namespace == abi.NamespacePID || t.Namespace == abi.NamespaceSVC) && t.Owner != pid {
		create = false
	}
	d, existed := m.findOrCreate(t, defaultCapacity, modeMask, create)
	if d == nil {
		return 0, 0, abi.StatusNoDescriptor
	}
	if !existed {
		d.transient = true // auto-created by OPEN, reclaimed once unreferenced
	}
	return m.attach(pid, d, modeMask), d.id, abi.StatusOK
}

// Bind creates or updates a descriptor with an explicit capacity and
// mode.
func (m *Manager) Bind(pid int32, rawTarget string, capacity int, modeMask uint32) (Handle, uint64, abi.MailboxStatus) {
	t, err := ParseTarget(rawTarget, pid)
	if err != nil {
		return 0, 0, abi.StatusNoDescriptor
	}
	d, _ := m.findOrCreate(t, capacity, modeMask, true)
	d.capacity = capacity
	d.mode = modeMask
	d.transient = false
	return m.attach(pid, d, modeMask), d.id, abi.StatusOK
}

func (m *Manager) attach(pid int32, d *descriptor, modeMask uint32) Handle {
	h := m.allocHandle(pid)
	ent := &handleEntry{descID: d.id}
	if modeMask&(abi.ModeFANOUT|abi.ModeTAP) != 0 {
		d.nextSubID++
		sub := &fanoutSub{id: d.nextSubID, tap: modeMask&abi.ModeTAP != 0}
		d.fanout[sub.id] = sub
		ent.subID = sub.id
		ent.isFanOr = true
	}
	d.refCount++
	m.handles[pid][h] = ent
	return h
}

const defaultCapacity = 64

// OpenStdio creates a per-task stdio descriptor directly, bypassing
// target parsing, for use by the Executive at load time to create
// per-task stdio mailboxes.
func (m *Manager) OpenStdio(pid int32, suffix string) (Handle, uint64) {
	t := Target{Namespace: abi.NamespaceSVC, Name: "stdio." + suffix, Owner: pid}
	d, _ := m.findOrCreate(t, defaultCapacity, abi.ModeRDWR, true)
	h := m.attach(pid, d, abi.ModeRDWR)
	return h, d.id
}

// Close releases handle. If it was the descriptor's last reference and
// the descriptor is transient, the descriptor is reclaimed.
func (m *Manager) Close(pid int32, h Handle) abi.MailboxStatus {
	d, ent, ok := m.lookup(pid, h)
	if !ok {
		return abi.StatusNoDescriptor
	}
	if ent.isFanOr {
		delete(d.fanout, ent.subID)
	}
	delete(m.handles[pid], h)
	d.refCount--
	if d.refCount <= 0 && d.transient {
		delete(m.descriptors, d.id)
		delete(m.byKey, d.target.key())
	}
	return abi.StatusOK
}

// Tap toggles tap-subscription mode on an already-open handle.
func (m *Manager) Tap(pid int32, h Handle, on bool) abi.MailboxStatus {
	d, ent, ok := m.lookup(pid, h)
	if !ok {
		return abi.StatusNoDescriptor
	}
	if !ent.isFanOr {
		if !on {
			return abi.StatusOK
		}
		d.nextSubID++
		sub := &fanoutSub{id: d.nextSubID, tap: true}
		d.fanout[sub.id] = sub
		ent.subID = sub.id
		ent.isFanOr = true
		return abi.StatusOK
	}
	sub := d.fanout[ent.subID]
	if sub == nil {
		return abi.StatusOK
	}
	sub.tap = on
	return abi.StatusOK
}
