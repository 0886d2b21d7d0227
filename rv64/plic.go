package rv64

import (
	"sync"
)

// PLIC register offsets, relative to the controller's base address.
const (
	PLICPriorityBase  = 0x000000 // one uint32 priority slot per source
	PLICPendingBase   = 0x001000 // pending bitmap, 1 bit per source
	PLICEnableBase    = 0x002000 // per-context enable bitmap
	PLICThresholdBase = 0x200000 // per-context threshold + claim/complete
)

// PLICContextStride is the byte distance between one context's
// threshold/claim pair and the next.
const PLICContextStride = 0x1000

// PLICMaxSources is the number of interrupt source slots the controller
// reserves room for; source 0 is architecturally "no interrupt".
const PLICMaxSources = 1024

// The two contexts this controller implements: one hart, machine and
// supervisor privilege each getting their own enable/threshold/claim state.
// PLICSourceUART and PLICSourceBlock (defined in machine.go) are delivered
// to whichever context has them enabled.
const (
	plicContextMachine    = 0
	plicContextSupervisor = 1
	plicContextCount      = 2
)

// contextIRQBit reports which bit of mip a context's external-interrupt
// line sets: machine context drives MEIP, supervisor drives SEIP.
var contextIRQBit = [plicContextCount]uint64{
	plicContextMachine:    MipMEIP,
	plicContextSupervisor: MipSEIP,
}

// plicContext bundles the per-context state the spec's enable/threshold/
// claim registers address, rather than spreading it across parallel arrays.
type plicContext struct {
	enable    [PLICMaxSources / 32]uint32
	threshold uint32
	claimed   uint32
}

// PLIC implements the Platform-Level Interrupt Controller: per-source
// priority and a pending bitmap shared by both contexts, plus one
// plicContext each for machine and supervisor mode.
type PLIC struct {
	cpu *CPU
	mu  sync.Mutex

	priority [PLICMaxSources]uint32
	pending  [PLICMaxSources / 32]uint32
	contexts [plicContextCount]plicContext
}

// NewPLIC creates a PLIC wired to raise interrupts against cpu.Mip.
func NewPLIC(cpu *CPU) *PLIC {
	return &PLIC{cpu: cpu}
}

// Size implements Device.
func (p *PLIC) Size() uint64 {
	return PLICSize
}

// Read implements Device.
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		if source := offset / 4; source < PLICMaxSources {
			return uint64(p.priority[source]), nil
		}

	case offset < PLICEnableBase:
		if word := (offset - PLICPendingBase) / 4; word < uint64(len(p.pending)) {
			return uint64(p.pending[word]), nil
		}

	case offset < PLICThresholdBase:
		ctx, word, ok := p.decodeEnableOffset(offset)
		if ok {
			return uint64(p.contexts[ctx].enable[word]), nil
		}

	default:
		ctx, reg, ok := p.decodeContextRegister(offset)
		if !ok {
			break
		}
		switch reg {
		case 0: // threshold
			return uint64(p.contexts[ctx].threshold), nil
		case 4: // claim
			return uint64(p.claimHighestPending(ctx)), nil
		}
	}

	return 0, nil
}

// Write implements Device.
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		// Source 0 is reserved and never takes a priority.
		if source := offset / 4; source > 0 && source < PLICMaxSources {
			p.priority[source] = uint32(value) & 7
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		if ctx, word, ok := p.decodeEnableOffset(offset); ok {
			p.contexts[ctx].enable[word] = uint32(value)
		}

	case offset >= PLICThresholdBase:
		if ctx, reg, ok := p.decodeContextRegister(offset); ok {
			switch reg {
			case 0: // threshold
				p.contexts[ctx].threshold = uint32(value) & 7
			case 4: // complete
				p.acknowledge(ctx, uint32(value))
			}
		}
	}

	p.updateInterruptLines()
	return nil
}

// decodeEnableOffset splits an enable-region offset into its context index
// and the pending-bitmap word within that context's enable bitmap.
func (p *PLIC) decodeEnableOffset(offset uint64) (ctx int, word uint64, ok bool) {
	rel := offset - PLICEnableBase
	ctx = int(rel / 0x80)
	word = (rel % 0x80) / 4
	return ctx, word, ctx < plicContextCount && word < uint64(len(p.contexts[0].enable))
}

// decodeContextRegister splits a threshold/claim-region offset into the
// context index and the register (0 = threshold, 4 = claim/complete).
func (p *PLIC) decodeContextRegister(offset uint64) (ctx int, reg uint64, ok bool) {
	rel := offset - PLICThresholdBase
	ctx = int(rel / PLICContextStride)
	reg = rel % PLICContextStride
	return ctx, reg, ctx < plicContextCount
}

// SetPending raises or lowers a source's pending bit. Called by devices
// (UART, the VirtIO block device) through their raiseIRQ callbacks.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= PLICMaxSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.setPendingBit(source, pending)
	p.updateInterruptLines()
}

func (p *PLIC) setPendingBit(source uint32, pending bool) {
	word, bit := source/32, source%32
	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}
}

// claimHighestPending returns the highest-priority source that is pending,
// enabled for ctx, and above ctx's threshold, clearing its pending bit.
// Ties go to the lower source number, matching the priority-register
// convention that a higher numeric priority wins.
func (p *PLIC) claimHighestPending(ctx int) uint32 {
	if ctx >= plicContextCount {
		return 0
	}

	c := &p.contexts[ctx]
	var bestSource, bestPriority uint32

	for source := uint32(1); source < PLICMaxSources; source++ {
		if !p.sourceEligible(c, source) {
			continue
		}
		if priority := p.priority[source]; priority > c.threshold && priority > bestPriority {
			bestPriority = priority
			bestSource = source
		}
	}

	if bestSource != 0 {
		p.setPendingBit(bestSource, false)
		c.claimed = bestSource
	}

	p.updateInterruptLines()
	return bestSource
}

// acknowledge clears ctx's claimed-source latch once the handler finishes,
// re-arming that source's pending edge for the next assertion.
func (p *PLIC) acknowledge(ctx int, source uint32) {
	if ctx >= plicContextCount || source == 0 || source >= PLICMaxSources {
		return
	}
	if c := &p.contexts[ctx]; c.claimed == source {
		c.claimed = 0
	}
	p.updateInterruptLines()
}

// updateInterruptLines recomputes mip's external-interrupt bits for every
// context from scratch; called after any register write that could change
// what's pending, enabled, or thresholded.
func (p *PLIC) updateInterruptLines() {
	for ctx := 0; ctx < plicContextCount; ctx++ {
		if p.contextAboveThreshold(ctx) {
			p.cpu.Mip |= contextIRQBit[ctx]
		} else {
			p.cpu.Mip &^= contextIRQBit[ctx]
		}
	}
}

// contextAboveThreshold reports whether any source enabled for ctx is
// pending with a priority exceeding ctx's threshold.
func (p *PLIC) contextAboveThreshold(ctx int) bool {
	c := &p.contexts[ctx]
	for source := uint32(1); source < PLICMaxSources; source++ {
		if p.sourceEligible(c, source) && p.priority[source] > c.threshold {
			return true
		}
	}
	return false
}

// sourceEligible reports whether source is both pending and enabled for c.
func (p *PLIC) sourceEligible(c *plicContext, source uint32) bool {
	word, bit := source/32, source%32
	if p.pending[word]&(1<<bit) == 0 {
		return false
	}
	return c.enable[word]&(1<<bit) != 0
}

var _ Device = (*PLIC)(nil)
