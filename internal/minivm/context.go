package minivm

// PSW flag bit positions. The remaining bits are reserved; an open
// question here is resolved by adopting
// plain two's-complement overflow detection for V, documented here and
// in DESIGN.md.
const (
	FlagZ uint8 = 1 << 0
	FlagN uint8 = 1 << 1
	FlagC uint8 = 1 << 2
	FlagV uint8 = 1 << 3
)

// Context is the per-task state MiniVM executes against: exactly the
// fields bound via context pointers and nothing else. A context switch
// is reassigning which *Context the VM is bound to — no register array
// copying — a register window reached via a base pointer. The Executive's task
// table owns the Context values; MiniVM only ever holds a pointer to
// whichever one is currently RUNNING.
type Context struct {
	PC         uint32
	PSW        uint8
	SP16       uint16
	RegBase    uint32
	StackBase  uint32
	StackLimit uint32
}

// Z reports the zero flag.
func (c *Context) Z() bool { return c.PSW&FlagZ != 0 }

// N reports the negative flag.
func (c *Context) N() bool { return c.PSW&FlagN != 0 }

// C reports the carry flag.
func (c *Context) C() bool { return c.PSW&FlagC != 0 }

// V reports the overflow flag.
func (c *Context) V() bool { return c.PSW&FlagV != 0 }

func (c *Context) setFlag(flag uint8, v bool) {
	if v {
		c.PSW |= flag
	} else {
		c.PSW &^= flag
	}
}

func (c *Context) setZNFromResult(result uint32) {
	c.setFlag(FlagZ, result == 0)
	c.setFlag(FlagN, int32(result) < 0)
}
