package rv64

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestBasicExecution(t *testing.T) {
	// Create a machine with 1MB RAM
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil, nil)

	// Simple program that writes "Hi" to UART and halts
	// lui a0, 0x10000    # UART base
	// li a1, 'H'
	// sb a1, 0(a0)
	// li a1, 'i'
	// sb a1, 0(a0)
	// li a1, '\n'
	// sb a1, 0(a0)
	// # Write to address 0 to halt
	// li a0, 0
	// sw zero, 0(a0)

	code := []uint32{
		0x10000537, // lui a0, 0x10000
		0x04800593, // li a1, 'H' (addi a1, zero, 0x48)
		0x00b50023, // sb a1, 0(a0)
		0x06900593, // li a1, 'i' (addi a1, zero, 0x69)
		0x00b50023, // sb a1, 0(a0)
		0x00a00593, // li a1, '\n' (addi a1, zero, 0x0a)
		0x00b50023, // sb a1, 0(a0)
		0x00000513, // li a0, 0
		0x00052023, // sw zero, 0(a0)
	}

	// Load program at RAM base
	for i, insn := range code {
		addr := RAMBase + uint64(i*4)
		m.Bus.Write32(addr, insn)
	}

	// Set PC to RAM base
	m.SetPC(RAMBase)

	// Enable stop on zero
	m.SetStopOnZero(true)

	// Run
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	// Check output
	expected := "Hi\n"
	if output.String() != expected {
		t.Fatalf("expected output %q, got %q", expected, output.String())
	}
}

func TestALUOperations(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil, nil)

	// Test ADD, SUB, AND, OR, XOR
	// li a0, 10
	// li a1, 3
	// add a2, a0, a1    # a2 = 13
	// sub a3, a0, a1    # a3 = 7
	// and a4, a0, a1    # a4 = 2
	// or a5, a0, a1     # a5 = 11
	// xor a6, a0, a1    # a6 = 9
	// # Halt
	// li t0, 0
	// sw zero, 0(t0)

	code := []uint32{
		0x00a00513, // li a0, 10
		0x00300593, // li a1, 3
		0x00b50633, // add a2, a0, a1
		0x40b506b3, // sub a3, a0, a1
		0x00b57733, // and a4, a0, a1
		0x00b567b3, // or a5, a0, a1
		0x00b54833, // xor a6, a0, a1
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	for i, insn := range code {
		addr := RAMBase + uint64(i*4)
		m.Bus.Write32(addr, insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	// Check register values
	if m.CPU.X[12] != 13 {
		t.Errorf("a2 (add): expected 13, got %d", m.CPU.X[12])
	}
	if m.CPU.X[13] != 7 {
		t.Errorf("a3 (sub): expected 7, got %d", m.CPU.X[13])
	}
	if m.CPU.X[14] != 2 {
		t.Errorf("a4 (and): expected 2, got %d", m.CPU.X[14])
	}
	if m.CPU.X[15] != 11 {
		t.Errorf("a5 (or): expected 11, got %d", m.CPU.X[15])
	}
	if m.CPU.X[16] != 9 {
		t.Errorf("a6 (xor): expected 9, got %d", m.CPU.X[16])
	}
}

func TestBranches(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil, nil)

	// Test BEQ branch
	// li a0, 5
	// li a1, 5
	// li a2, 0       # result
	// beq a0, a1, equal
	// li a2, 1       # should be skipped
	// equal:
	// addi a2, a2, 10 # a2 = 10
	// # Halt
	// li t0, 0
	// sw zero, 0(t0)

	code := []uint32{
		0x00500513, // li a0, 5
		0x00500593, // li a1, 5
		0x00000613, // li a2, 0
		0x00b50463, // beq a0, a1, +8 (skip next insn)
		0x00100613, // li a2, 1 (skipped)
		0x00a60613, // addi a2, a2, 10
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	for i, insn := range code {
		addr := RAMBase + uint64(i*4)
		m.Bus.Write32(addr, insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[12] != 10 {
		t.Errorf("a2: expected 10, got %d", m.CPU.X[12])
	}
}

func TestMultiplyDivide(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil, nil)

	// Test MUL, DIV, REM
	code := []uint32{
		0x00700513, // li a0, 7
		0x00300593, // li a1, 3
		0x02b50633, // mul a2, a0, a1 (7*3=21)
		0x02b546b3, // div a3, a0, a1 (7/3=2)
		0x02b56733, // rem a4, a0, a1 (7%3=1)
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	for i, insn := range code {
		addr := RAMBase + uint64(i*4)
		m.Bus.Write32(addr, insn)
	}

	m.SetPC(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.Run(ctx, 100)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if m.CPU.X[12] != 21 {
		t.Errorf("a2 (mul): expected 21, got %d", m.CPU.X[12])
	}
	if m.CPU.X[13] != 2 {
		t.Errorf("a3 (div): expected 2, got %d", m.CPU.X[13])
	}
	if m.CPU.X[14] != 1 {
		t.Errorf("a4 (rem): expected 1, got %d", m.CPU.X[14])
	}
}

// TestEcallTraps checks that ECALL from U-mode raises CauseEcallFromU and
// traps to M-mode at mtvec through HandleTrap, with no SBI interception.
func TestEcallTraps(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil, nil)

	m.CPU.Mtvec = RAMBase + 0x1000
	m.CPU.Priv = PrivUser

	code := []uint32{
		0x00000073, // ecall
	}
	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}

	m.SetPC(RAMBase)
	if err := m.Step(); err != nil {
		t.Fatalf("step error: %v", err)
	}

	if m.CPU.Priv != PrivMachine {
		t.Errorf("expected trap to raise privilege to machine, got %d", m.CPU.Priv)
	}
	if m.CPU.Mcause != CauseEcallFromU {
		t.Errorf("mcause: expected %d, got %d", CauseEcallFromU, m.CPU.Mcause)
	}
	if m.CPU.PC != m.CPU.Mtvec {
		t.Errorf("PC: expected trap vector 0x%x, got 0x%x", m.CPU.Mtvec, m.CPU.PC)
	}
}

// TestLRSCReservationClearedByTrap checks that an intervening trap clears
// a load-reserved reservation.
func TestLRSCReservationClearedByTrap(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil, nil)

	m.CPU.WriteReg(10, RAMBase+256) // a0 = address for lr.w
	m.Bus.Write32(RAMBase, 0x100525af)   // lr.w a1, (a0)
	m.Bus.Write32(RAMBase+4, 0x00000000) // illegal instruction, traps to mtvec
	m.CPU.Mtvec = RAMBase + 8
	m.Bus.Write32(RAMBase+8, 0x10500073) // wfi, parks the trap handler

	m.SetPC(RAMBase)

	if err := m.Step(); err != nil {
		t.Fatalf("lr.w step error: %v", err)
	}
	if !m.CPU.ReservationValid {
		t.Fatalf("expected reservation to be set after lr.w")
	}

	if err := m.Step(); err != nil {
		t.Fatalf("trap step error: %v", err)
	}
	if m.CPU.ReservationValid {
		t.Errorf("expected reservation to be cleared by the intervening trap")
	}
}

// TestTimerInterrupt checks that a guest parked in WFI with MTIE/MIE enabled
// is woken by a machine-timer interrupt once CLINT's mtime catches up to
// mtimecmp.
func TestTimerInterrupt(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil, nil)

	m.CPU.Mtvec = RAMBase + 0x1000
	m.Bus.Write32(RAMBase+0x1000, 0x10500073) // wfi, parks the trap handler too

	// WFI followed by a run of harmless no-ops; the interrupt is taken
	// directly on waking, so mepc is the first no-op after WFI.
	m.Bus.Write32(RAMBase, 0x10500073) // wfi
	for i := uint64(1); i < 64; i++ {
		m.Bus.Write32(RAMBase+i*4, 0x00000013) // addi x0, x0, 0
	}

	m.CPU.Mie |= MipMTIP
	m.CPU.Mstatus |= MstatusMIE

	mtimecmpAddr := CLINTBase + CLINTMtimecmp
	m.Bus.Write64(mtimecmpAddr, 100)

	m.SetPC(RAMBase)

	fired := false
	for i := 0; i < 200; i++ {
		if err := m.Step(); err != nil {
			t.Fatalf("step %d error: %v", i, err)
		}
		if m.CPU.Priv == PrivMachine && m.CPU.Mcause == CauseMTimerInt {
			fired = true
			break
		}
	}

	if !fired {
		t.Fatal("expected a machine-timer interrupt within 200 steps")
	}
	if m.CPU.PC != m.CPU.Mtvec {
		t.Errorf("expected PC at mtvec 0x%x, got 0x%x", m.CPU.Mtvec, m.CPU.PC)
	}
}

// TestIllegalInstructionTrap checks the literal trap values for executing
// the all-zero instruction word.
func TestIllegalInstructionTrap(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil, nil)

	m.CPU.Mtvec = RAMBase + 0x1000
	m.Bus.Write32(RAMBase, 0x00000000)

	m.SetPC(RAMBase)
	if err := m.Step(); err != nil {
		t.Fatalf("step error: %v", err)
	}

	if m.CPU.Mcause != CauseIllegalInsn {
		t.Errorf("expected mcause=2, got %d", m.CPU.Mcause)
	}
	if m.CPU.Mtval != 0 {
		t.Errorf("expected mtval=0, got 0x%x", m.CPU.Mtval)
	}
	if m.CPU.PC != m.CPU.Mtvec {
		t.Errorf("expected PC at mtvec 0x%x, got 0x%x", m.CPU.Mtvec, m.CPU.PC)
	}
}

// TestInstructionPageFault checks that fetching from an unmapped Sv39
// virtual address in U-mode raises InstructionPageFault.
func TestInstructionPageFault(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil, nil)

	// An all-zero page at RAMBase used as the Sv39 root table: every PTE
	// is invalid (V=0), so any walk faults at level 2 immediately.
	rootPPN := RAMBase >> PageShift
	m.CPU.Satp = (uint64(SatpModeSv39) << 60) | rootPPN

	m.CPU.Mtvec = RAMBase + 0x2000
	m.Bus.Write32(RAMBase+0x2000, 0x10500073) // wfi, parks the trap handler

	m.CPU.Priv = PrivUser
	m.SetPC(0)

	if err := m.Step(); err != nil {
		t.Fatalf("step error: %v", err)
	}

	if m.CPU.Mcause != CauseInsnPageFault {
		t.Errorf("expected mcause=12 (InstructionPageFault), got %d", m.CPU.Mcause)
	}
	if m.CPU.Mtval != 0 {
		t.Errorf("expected mtval=0, got 0x%x", m.CPU.Mtval)
	}
}

// TestUARTOutputScenario checks that bytes stored to the UART transmit
// register land verbatim on the configured output sink.
func TestUARTOutputScenario(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil, nil)

	// lui a1, 0x10000 ; li a2, 'H' ; sb a2,0(a1) ; li a2,'I' ; sb a2,0(a1)
	// li a2, '\n' ; sb a2, 0(a1) ; ecall (a7=93, a0=0, the AM-tests exit convention)
	program := []uint32{
		0x100005b7, // lui a1, 0x10000
		0x04800613, // li a2, 'H'
		0x00c58023, // sb a2, 0(a1)
		0x04900613, // li a2, 'I'
		0x00c58023, // sb a2, 0(a1)
		0x00a00613, // li a2, '\n'
		0x00c58023, // sb a2, 0(a1)
		0x00000513, // li a0, 0
		0x05d00893, // li a7, 93
		0x00000073, // ecall
	}
	for i, insn := range program {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}

	m.CPU.Mtvec = RAMBase + uint64(len(program)*4)
	m.Bus.Write32(m.CPU.Mtvec, 0x10500073) // wfi

	m.SetPC(RAMBase)
	for i := 0; i < len(program); i++ {
		if err := m.Step(); err != nil {
			t.Fatalf("step %d error: %v", i, err)
		}
	}

	if got := output.String(); got != "HI\n" {
		t.Errorf("expected UART output %q, got %q", "HI\n", got)
	}
}
