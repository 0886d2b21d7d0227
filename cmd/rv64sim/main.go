package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/rv64sim/rv64sim/internal/difftest"
	"github.com/rv64sim/rv64sim/rv64"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rv64sim: %v\n", err)
		os.Exit(1)
	}
}

// uint64Flag implements flag.Value so -pc accepts both decimal and
// 0x-prefixed hex and records whether it was given at all.
type uint64Flag struct {
	v   uint64
	set bool
}

func (f *uint64Flag) String() string { return strconv.FormatUint(f.v, 10) }

func (f *uint64Flag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

func run() error {
	image := flag.String("image", "", "Raw binary to load into DRAM")
	loadAddr := flag.Uint64("load-addr", rv64.RAMBase, "Physical address to load the image at")
	var pcFlag uint64Flag
	flag.Var(&pcFlag, "pc", "Initial program counter (default: load address)")
	ramMB := flag.Uint64("ram", 128, "RAM size in MiB")
	blockImage := flag.String("block", "", "Backing file for the VirtIO block device")
	difftestSpec := flag.String("difftest", "", "Run a lock-step difftest scenario from this YAML spec instead of a normal boot")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *image == "" && *difftestSpec == "" {
		return errors.New("either -image or -difftest is required")
	}

	if *difftestSpec != "" {
		return runDifftest(*difftestSpec)
	}

	return runBoot(*image, *loadAddr, pcFlag, *ramMB, *blockImage)
}

func runBoot(imagePath string, loadAddr uint64, pc uint64Flag, ramMB uint64, blockPath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	var blockImage []byte
	if blockPath != "" {
		blockImage, err = readWithProgress(blockPath)
		if err != nil {
			return fmt.Errorf("read block image: %w", err)
		}
	}

	m := rv64.NewMachine(ramMB*1024*1024, os.Stdout, os.Stdin, blockImage)
	if err := m.LoadBytes(loadAddr, data); err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	if pc.set {
		m.SetPC(pc.v)
	} else {
		m.SetPC(loadAddr)
	}

	slog.Info("booting", "image", imagePath, "load_addr", fmt.Sprintf("0x%x", loadAddr), "ram_mb", ramMB)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	err = m.Run(ctx, 0)
	if errors.Is(err, rv64.ErrHalt) {
		slog.Info("halted", "pc", fmt.Sprintf("0x%x", m.GetPC()), "a0", m.CPU.ReadReg(10))
		return nil
	}
	if errors.Is(err, context.Canceled) {
		slog.Info("interrupted")
		return nil
	}
	return err
}

func runDifftest(specPath string) error {
	spec, err := difftest.LoadSpec(specPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(spec.Image)
	if err != nil {
		return fmt.Errorf("read difftest image: %w", err)
	}

	entry := spec.EntryPoint
	if entry == 0 {
		entry = rv64.RAMBase
	}

	dut := rv64.NewMachine(128*1024*1024, io.Discard, nil, nil)
	if err := dut.LoadBytes(rv64.RAMBase, data); err != nil {
		return fmt.Errorf("load dut image: %w", err)
	}
	dut.SetPC(entry)

	ref := rv64.NewMachine(128*1024*1024, io.Discard, nil, nil)
	if err := ref.LoadBytes(rv64.RAMBase, data); err != nil {
		return fmt.Errorf("load reference image: %w", err)
	}
	ref.SetPC(entry)

	h := difftest.New(dut, &selfReference{m: ref}, spec.CompareCSRs)

	slog.Info("running difftest", "name", spec.Name, "max_steps", spec.MaxSteps)

	result, err := h.Run(spec.MaxSteps)
	if err != nil {
		return err
	}

	if result.Mismatch != nil {
		return fmt.Errorf("diverged at step %d: %s", result.Mismatch.Step, result.Mismatch.Error())
	}

	slog.Info("difftest passed", "steps", result.Steps)
	return nil
}

// selfReference adapts rv64.Machine to difftest.ReferenceModel, used when
// no external reference binding is configured. A true differential test
// wires in an independent implementation here instead.
type selfReference struct {
	m *rv64.Machine
}

func (r *selfReference) GetPC() uint64       { return r.m.GetPC() }
func (r *selfReference) GetReg(i int) uint64 { return r.m.CPU.ReadReg(uint32(i)) }
func (r *selfReference) Step() error         { return r.m.Step() }
func (r *selfReference) SetMemory(addr uint64, data []byte) error {
	return r.m.LoadBytes(addr, data)
}
func (r *selfReference) GetCSR(name string) (uint64, bool) {
	addr, ok := csrAddrByName[name]
	if !ok {
		return 0, false
	}
	val, err := r.m.CPU.ReadCSR(addr)
	if err != nil {
		return 0, false
	}
	return val, true
}

var csrAddrByName = map[string]uint16{
	"mstatus": rv64.CSRMstatus,
	"mepc":    rv64.CSRMepc,
	"mcause":  rv64.CSRMcause,
	"mtval":   rv64.CSRMtval,
	"satp":    rv64.CSRSatp,
	"sepc":    rv64.CSRSepc,
	"scause":  rv64.CSRScause,
}

func readWithProgress(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	bar := progressbar.DefaultBytes(info.Size(), "loading block image")
	buf := &bytes.Buffer{}
	buf.Grow(int(info.Size()))

	if _, err := io.Copy(io.MultiWriter(buf, bar), f); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
