package mailbox

import (
	"testing"

	"hsx/abi"
)

func TestParseTargetVariants(t *testing.T) {
	cases := []struct {
		raw    string
		caller int32
		want   Target
	}{
		{"pid:7", 1, Target{Namespace: abi.NamespacePID, Name: "7", Owner: 7}},
		{"svc:log", 1, Target{Namespace: abi.NamespaceSVC, Name: "log", Owner: 1}},
		{"svc:log@3", 1, Target{Namespace: abi.NamespaceSVC, Name: "log", Owner: 3}},
		{"app:procon", 1, Target{Namespace: abi.NamespaceApp, Name: "procon", Owner: noOwner}},
		{"app:procon@2", 1, Target{Namespace: abi.NamespaceApp, Name: "procon", Owner: 2}},
		{"shared:bus", 1, Target{Namespace: abi.NamespaceShared, Name: "bus", Owner: noOwner}},
		{"bareword", 9, Target{Namespace: abi.NamespaceSVC, Name: "bareword", Owner: 9}},
	}
	for _, c := range cases {
		got, err := ParseTarget(c.raw, c.caller)
		if err != nil {
			t.Fatalf("ParseTarget(%q): %v", c.raw, err)
		}
		if got != c.want {
			t.Errorf("ParseTarget(%q) = %+v, want %+v", c.raw, got, c.want)
		}
	}
}

// TestProducerConsumer mirrors the producer/consumer scenario: the
// consumer binds app:procon then RECV INFINITE blocks; the producer
// OPENs the same target and SENDs "hello"; the consumer's blocked RECV
// must complete via Drain.
func TestProducerConsumer(t *testing.T) {
	m := NewManager()
	const consumerPID, producerPID int32 = 1, 2

	consumerHandle, descID, status := m.Bind(consumerPID, "app:procon", 64, abi.ModeRDWR)
	if status != abi.StatusOK {
		t.Fatalf("Bind: status=%v", status)
	}

	_, _, blocked := m.Recv(consumerPID, consumerHandle, 256, abi.TimeoutInfinite, 0)
	if !blocked {
		t.Fatalf("Recv on empty mailbox should block")
	}

	producerHandle, _, status := m.Open(producerPID, "app:procon", abi.ModeRDWR)
	if status != abi.StatusOK {
		t.Fatalf("Open: status=%v", status)
	}
	sendStatus, sendBlocked := m.Send(producerPID, producerHandle, []byte("hello"), 0)
	if sendBlocked || sendStatus != abi.StatusOK {
		t.Fatalf("Send: status=%v blocked=%v", sendStatus, sendBlocked)
	}

	completions := m.Drain()
	if len(completions) != 1 {
		t.Fatalf("expected 1 completion, got %d: %+v", len(completions), completions)
	}
	c := completions[0]
	if c.PID != consumerPID || c.Status != abi.StatusOK || string(c.Data) != "hello" {
		t.Fatalf("unexpected completion: %+v", c)
	}

	snap := m.Snapshot()
	var found *DescriptorSnapshot
	for i := range snap {
		if snap[i].ID == descID {
			found = &snap[i]
		}
	}
	if found == nil {
		t.Fatalf("descriptor %d missing from snapshot", descID)
	}
	if found.QueueDepth != 0 {
		t.Fatalf("queue_depth after consumption = %d, want 0", found.QueueDepth)
	}
}

// TestMailboxTimeout mirrors the mailbox timeout scenario: a RECV with
// a finite timeout on an empty mailbox resumes with StatusTimeout once
// the tick deadline passes.
func TestMailboxTimeout(t *testing.T) {
	m := NewManager()
	const pid int32 = 1
	h, _, status := m.Bind(pid, "app:q", 8, abi.ModeRDWR)
	if status != abi.StatusOK {
		t.Fatalf("Bind: status=%v", status)
	}

	_, _, blocked := m.Recv(pid, h, 64, abi.RecvTimeout(10), 0)
	if !blocked {
		t.Fatalf("Recv with finite timeout on empty mailbox should block")
	}

	m.Tick(5)
	if len(m.Drain()) != 0 {
		t.Fatalf("should not time out before deadline")
	}

	m.Tick(50)
	completions := m.Drain()
	if len(completions) != 1 || completions[0].Status != abi.StatusTimeout {
		t.Fatalf("expected 1 timeout completion, got %+v", completions)
	}
}

func TestMailboxFanoutDeliversToEverySubscriber(t *testing.T) {
	m := NewManager()
	const pub, subA, subB int32 = 1, 2, 3

	hA, descID, status := m.Bind(subA, "app:topic", 8, abi.ModeRDWR|abi.ModeFANOUT)
	if status != abi.StatusOK {
		t.Fatalf("Bind subA: %v", status)
	}
	hB, descID2, status := m.Bind(subB, "app:topic", 8, abi.ModeRDWR|abi.ModeFANOUT)
	if status != abi.StatusOK || descID != descID2 {
		t.Fatalf("Bind subB: status=%v descID=%d descID2=%d", status, descID, descID2)
	}
	hPub, _, status := m.Open(pub, "app:topic", abi.ModeRDWR)
	if status != abi.StatusOK {
		t.Fatalf("Open pub: %v", status)
	}

	if status, blocked := m.Send(pub, hPub, []byte("x"), 0); status != abi.StatusOK || blocked {
		t.Fatalf("Send: status=%v blocked=%v", status, blocked)
	}

	statusA, msgA, blockedA := m.Recv(subA, hA, 16, abi.TimeoutPoll, 0)
	if blockedA || statusA != abi.StatusOK || string(msgA.Data) != "x" {
		t.Fatalf("subA Recv: status=%v blocked=%v msg=%+v", statusA, blockedA, msgA)
	}
	statusB, msgB, blockedB := m.Recv(subB, hB, 16, abi.TimeoutPoll, 0)
	if blockedB || statusB != abi.StatusOK || string(msgB.Data) != "x" {
		t.Fatalf("subB Recv: status=%v blocked=%v msg=%+v", statusB, blockedB, msgB)
	}
}

func TestMailboxTapDoesNotConsume(t *testing.T) {
	m := NewManager()
	const pub, consumer, tapper int32 = 1, 2, 3

	hConsumer, _, _ := m.Bind(consumer, "app:t", 8, abi.ModeRDWR)
	hTap, _, status := m.Open(tapper, "app:t", abi.ModeTAP)
	if status != abi.StatusOK {
		t.Fatalf("Open tap: %v", status)
	}
	hPub, _, _ := m.Open(pub, "app:t", abi.ModeRDWR)

	m.Send(pub, hPub, []byte("msg"), 0)

	st, msg, blocked := m.Recv(tapper, hTap, 16, abi.TimeoutPoll, 0)
	if blocked || st != abi.StatusOK || string(msg.Data) != "msg" {
		t.Fatalf("tap recv: status=%v blocked=%v msg=%+v", st, blocked, msg)
	}

	st2, msg2, blocked2 := m.Recv(consumer, hConsumer, 16, abi.TimeoutPoll, 0)
	if blocked2 || st2 != abi.StatusOK || string(msg2.Data) != "msg" {
		t.Fatalf("consumer should still see the message the tap observed: status=%v msg=%+v", st2, msg2)
	}
}

func TestMailboxSendFullReturnsErrorByDefault(t *testing.T) {
	m := NewManager()
	const pid int32 = 1
	h, _, _ := m.Bind(pid, "app:small", 1, abi.ModeRDWR)
	if status, blocked := m.Send(pid, h, []byte("a"), 0); status != abi.StatusOK || blocked {
		t.Fatalf("first send: status=%v blocked=%v", status, blocked)
	}
	status, blocked := m.Send(pid, h, []byte("b"), 0)
	if blocked || status != abi.StatusFull {
		t.Fatalf("second send on full queue: status=%v blocked=%v, want FULL", status, blocked)
	}
}

// TestMailboxSendDropOverwritesAndReportsOverrun checks that a
// ModeSendDrop descriptor both discards its oldest message and tells
// the sender an overrun happened, rather than silently reporting OK.
func TestMailboxSendDropOverwritesAndReportsOverrun(t *testing.T) {
	m := NewManager()
	const producer, consumer int32 = 1, 2
	hProd, _, _ := m.Bind(producer, "app:ring", 1, abi.ModeRDWR|abi.ModeSendDrop)
	if status, blocked := m.Send(producer, hProd, []byte("a"), 0); status != abi.StatusOK || blocked {
		t.Fatalf("first send: status=%v blocked=%v", status, blocked)
	}
	status, blocked := m.Send(producer, hProd, []byte("b"), 0)
	if blocked || status != abi.StatusOverrun {
		t.Fatalf("second send on full drop-mode queue: status=%v blocked=%v, want OVERRUN", status, blocked)
	}

	hCons, _, _ := m.Open(consumer, "app:ring", abi.ModeRDWR)
	st, msg, recvBlocked := m.Recv(consumer, hCons, 16, abi.TimeoutPoll, 0)
	if recvBlocked || st != abi.StatusOK || string(msg.Data) != "b" {
		t.Fatalf("recv after overrun: status=%v msg=%+v, want the surviving message \"b\"", st, msg)
	}
}

func TestMailboxCloseReclaimsTransientDescriptor(t *testing.T) {
	m := NewManager()
	const pid int32 = 1
	h, descID, status := m.Open(pid, "app:scratch", abi.ModeRDWR|abi.ModeCreate)
	if status != abi.StatusOK {
		t.Fatalf("Open: %v", status)
	}
	if status := m.Close(pid, h); status != abi.StatusOK {
		t.Fatalf("Close: %v", status)
	}
	for _, snap := range m.Snapshot() {
		if snap.ID == descID {
			t.Fatalf("transient descriptor %d should have been reclaimed", descID)
		}
	}
}
