// Package difftest lock-steps the rv64 emulator against an independently
// implemented reference model, comparing architectural state after every
// instruction and localizing the first divergence.
package difftest

import (
	"errors"
	"fmt"

	"github.com/rv64sim/rv64sim/rv64"
)

// ReferenceModel is the contract any reference RV64 implementation must
// satisfy to be lock-stepped against the device under test.
type ReferenceModel interface {
	GetPC() uint64
	GetReg(i int) uint64
	GetCSR(name string) (uint64, bool)
	SetMemory(addr uint64, data []byte) error
	Step() error
}

var csrsByName = map[string]uint16{
	"mstatus":  rv64.CSRMstatus,
	"mtvec":    rv64.CSRMtvec,
	"mepc":     rv64.CSRMepc,
	"mcause":   rv64.CSRMcause,
	"mtval":    rv64.CSRMtval,
	"mip":      rv64.CSRMip,
	"mie":      rv64.CSRMie,
	"mscratch": rv64.CSRMscratch,
	"mideleg":  rv64.CSRMideleg,
	"medeleg":  rv64.CSRMedeleg,
	"misa":     rv64.CSRMisa,
	"mhartid":  rv64.CSRMhartid,
	"sstatus":  rv64.CSRSstatus,
	"stvec":    rv64.CSRStvec,
	"sepc":     rv64.CSRSepc,
	"scause":   rv64.CSRScause,
	"stval":    rv64.CSRStval,
	"sip":      rv64.CSRSip,
	"sie":      rv64.CSRSie,
	"sscratch": rv64.CSRSscratch,
	"satp":     rv64.CSRSatp,
}

// Mismatch describes the first field where the DUT and reference diverged.
type Mismatch struct {
	Step  int
	Field string
	DUT   uint64
	Ref   uint64
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("step %d: %s diverged: dut=0x%x ref=0x%x", m.Step, m.Field, m.DUT, m.Ref)
}

// Result is the outcome of a Run: either it reached Steps with no
// divergence, or it stopped early at Mismatch.
type Result struct {
	Steps    int
	Mismatch *Mismatch
}

// Harness lock-steps a device-under-test Machine against a ReferenceModel.
type Harness struct {
	DUT         *rv64.Machine
	Ref         ReferenceModel
	CompareCSRs []string

	skipNext bool
}

// New creates a harness comparing dut and ref over the named CSRs.
func New(dut *rv64.Machine, ref ReferenceModel, compareCSRs []string) *Harness {
	return &Harness{DUT: dut, Ref: ref, CompareCSRs: compareCSRs}
}

// Run steps both models in lock-step up to maxSteps times, or until the DUT
// halts or a mismatch is found. MMIO loads introduce deliberate
// non-determinism (device register reads, interrupt edges): the harness
// skips comparison for the one step immediately following such a load.
func (h *Harness) Run(maxSteps int) (*Result, error) {
	for i := 0; i < maxSteps; i++ {
		err := h.DUT.Step()
		if err != nil {
			if errors.Is(err, rv64.ErrHalt) {
				return &Result{Steps: i}, nil
			}
			return nil, fmt.Errorf("dut step %d: %w", i, err)
		}

		if err := h.Ref.Step(); err != nil {
			return nil, fmt.Errorf("reference step %d: %w", i, err)
		}

		skip := h.skipNext
		h.skipNext = h.DUT.LastMMIOAccess

		if skip {
			continue
		}

		if mismatch := h.compare(i); mismatch != nil {
			return &Result{Steps: i + 1, Mismatch: mismatch}, nil
		}
	}

	return &Result{Steps: maxSteps}, nil
}

func (h *Harness) compare(step int) *Mismatch {
	if dutPC, refPC := h.DUT.GetPC(), h.Ref.GetPC(); dutPC != refPC {
		return &Mismatch{Step: step, Field: "pc", DUT: dutPC, Ref: refPC}
	}

	for i := 0; i < 32; i++ {
		dutVal := h.DUT.CPU.ReadReg(uint32(i))
		refVal := h.Ref.GetReg(i)
		if dutVal != refVal {
			return &Mismatch{Step: step, Field: fmt.Sprintf("x%d", i), DUT: dutVal, Ref: refVal}
		}
	}

	for _, name := range h.CompareCSRs {
		addr, ok := csrsByName[name]
		if !ok {
			continue
		}
		refVal, ok := h.Ref.GetCSR(name)
		if !ok {
			continue
		}
		dutVal, err := h.DUT.CPU.ReadCSR(addr)
		if err != nil {
			continue
		}
		if dutVal != refVal {
			return &Mismatch{Step: step, Field: name, DUT: dutVal, Ref: refVal}
		}
	}

	return nil
}
