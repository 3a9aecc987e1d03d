// Package mailbox implements the SVC-exposed IPC subsystem: a global
// descriptor table keyed by namespace, FIFO/fan-out/tap delivery, and
// the blocking-RECV/timeout bookkeeping the Executive drains after
// every scheduler tick. Every exported method here is called from the
// single executive thread only — mailbox descriptors are serialized by
// the executive thread — so unlike the
// device bus (vm/devices.go, one goroutine per device plus a
// nonBlockingChan), Manager needs no internal locking at all: it keeps
// that bounded-queue-with-capacity-check shape but drops the
// goroutine/channel scaffolding that shape existed to protect, since
// there is no concurrent writer to guard against here.
package mailbox

import (
	"fmt"
	"strconv"
	"strings"

	"hsx/abi"
)

// Target is a parsed mailbox name, the namespace/name/owner triple a
// raw target string resolves to.
type Target struct {
	Namespace uint8
	Name      string
	Owner     int32 // -1 means "no owner" (global)
}

const noOwner int32 = -1

// ParseTarget resolves a raw target string against the calling task's
// PID, applying the defaulting rules:
//
//	pid:<n>          -> PID namespace, owner=n
//	svc:<name>[@owner] -> SVC, owner=caller if omitted
//	app:<name>[@owner] -> APP, owner=None if omitted (global)
//	shared:<name>    -> SHARED, owner always None
//	bare name        -> defaults to svc:<name>, owner=caller
func ParseTarget(raw string, callerPID int32) (Target, error) {
	ns, rest, hasPrefix := splitPrefix(raw)
	if !hasPrefix {
		return Target{Namespace: abi.NamespaceSVC, Name: raw, Owner: callerPID}, nil
	}

	switch ns {
	case "pid":
		n, err := strconv.ParseInt(rest, 10, 32)
		if err != nil {
			return Target{}, fmt.Errorf("mailbox: bad pid target %q: %w", raw, err)
		}
		return Target{Namespace: abi.NamespacePID, Name: rest, Owner: int32(n)}, nil
	case "svc":
		name, owner := splitOwner(rest, callerPID)
		return Target{Namespace: abi.NamespaceSVC, Name: name, Owner: owner}, nil
	case "app":
		name, owner := splitOwner(rest, noOwner)
		return Target{Namespace: abi.NamespaceApp, Name: name, Owner: owner}, nil
	case "shared":
		return Target{Namespace: abi.NamespaceShared, Name: rest, Owner: noOwner}, nil
	default:
		return Target{Namespace: abi.NamespaceSVC, Name: raw, Owner: callerPID}, nil
	}
}

func splitPrefix(raw string) (prefix, rest string, ok bool) {
	i := strings.IndexByte(raw, ':')
	if i < 0 {
		return "", raw, false
	}
	return raw[:i], raw[i+1:], true
}

func splitOwner(rest string, defaultOwner int32) (name string, owner int32) {
	i := strings.IndexByte(rest, '@')
	if i < 0 {
		return rest, defaultOwner
	}
	name = rest[:i]
	n, err := strconv.ParseInt(rest[i+1:], 10, 32)
	if err != nil {
		return name, defaultOwner
	}
	return name, int32(n)
}

type key struct {
	ns    uint8
	name  string
	owner int32
}

func (t Target) key() key { return key{ns: t.Namespace, name: t.Name, owner: t.Owner} }
