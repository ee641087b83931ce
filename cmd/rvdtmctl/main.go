// Command rvdtmctl is a small interactive-free harness over the RISC-V
// Debug Transport Module driver: one process invocation, one command,
// modeled on the mos command-line tool's command-table dispatch.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cesanta/errors"
	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/google/gousb"
	flag "github.com/spf13/pflag"

	"github.com/rvdebug/dtm/common/multierror"
	"github.com/rvdebug/dtm/common/pflagenv"
	"github.com/rvdebug/dtm/riscv"
	"github.com/rvdebug/dtm/tap"
	"github.com/rvdebug/dtm/tap/hidtap"
	"github.com/rvdebug/dtm/tap/usbtap"
	"github.com/rvdebug/dtm/target"
)

const envPrefix = "RVDTM_"

var (
	probe    = flag.String("probe", "usb", `Probe transport: "usb" or "hid"`)
	vid      = flag.Uint16("vid", 0, "USB vendor ID of the debug probe")
	pid      = flag.Uint16("pid", 0, "USB product ID of the debug probe")
	serial   = flag.String("serial", "", "USB serial number, if more than one probe is attached")
	irLen    = flag.Uint8("ir-len", 5, "JTAG IR length (hidtap backend only)")
	addr     = flag.Uint32("addr", 0, "Target memory address for mem-read/mem-write")
	length   = flag.Int("length", 1, "Word count for mem-read")
	data     = flag.String("data", "", "Comma-separated hex words for mem-write")
	reg      = flag.Int("reg", 0, "Register number for regs")
	value    = flag.Uint32("value", 0, "Value to write for regs/mem-write single word")
	kind     = flag.String("kind", "execute", `Breakwatch kind: "execute", "load", "store", or "access"`)
	helpFull = flag.Bool("helpfull", false, "Show full help")
)

type command struct {
	name    string
	handler func(t target.Target) error
	short   string
}

var commands = []command{
	{"halt", cmdHalt, "Request the hart to halt"},
	{"resume", cmdResume, "Resume a halted hart"},
	{"step", cmdStep, "Single-step a halted hart"},
	{"status", cmdStatus, "Poll and print the halt reason"},
	{"reset", cmdReset, "Pulse a core reset"},
	{"regs", cmdRegs, "Read (or, with -value, write) one register"},
	{"mem-read", cmdMemRead, "Read -length words starting at -addr"},
	{"mem-write", cmdMemWrite, "Write -data (or -value) starting at -addr"},
	{"break-set", cmdBreakSet, "Allocate a hardware trigger at -addr"},
	{"break-clear", cmdBreakClear, "Release the hardware trigger at -addr"},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: rvdtmctl [flags] <command>\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-14s %s\n", c.name, c.short)
	}
}

func openTAP() (tap.TAP, error) {
	switch *probe {
	case "usb":
		return usbtap.Open(gousb.ID(*vid), gousb.ID(*pid), *serial, 0, 1, 2)
	case "hid":
		return hidtap.Open(*vid, *pid, *irLen)
	default:
		return nil, errors.Errorf("unknown -probe %q", *probe)
	}
}

func attach() (target.Target, func(), error) {
	t, err := openTAP()
	if err != nil {
		return nil, nil, errors.Annotatef(err, "failed to open probe")
	}
	hart, err := riscv.Scan(t)
	if err != nil {
		t.Close()
		return nil, nil, errors.Annotatef(err, "failed to scan DTM")
	}
	if hart == nil {
		t.Close()
		return nil, nil, errors.Errorf("no attachable hart found (unsupported DTM/DM version, not authenticated, or unexpected Debug RAM size)")
	}
	f := riscv.NewFacade(hart, "RISC-V")
	if err := f.Attach(context.Background()); err != nil {
		t.Close()
		return nil, nil, errors.Annotatef(err, "failed to attach")
	}
	return f, func() { f.Detach(context.Background()); t.Close() }, nil
}

func cmdHalt(t target.Target) error {
	return t.HaltRequest(context.Background())
}

func cmdResume(t target.Target) error {
	return t.HaltResume(context.Background(), false)
}

func cmdStep(t target.Target) error {
	return t.HaltResume(context.Background(), true)
}

func cmdStatus(t target.Target) error {
	reason, err := t.HaltPoll(context.Background())
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Println(reason)
	return nil
}

func cmdReset(t target.Target) error {
	return t.Reset(context.Background())
}

func cmdRegs(t target.Target) error {
	ctx := context.Background()
	if flag.CommandLine.Changed("value") {
		return errors.Annotatef(t.RegsWrite(ctx, *reg, *value), "write register %d", *reg)
	}
	v, err := t.RegRead(ctx, *reg)
	if err != nil {
		return errors.Annotatef(err, "read register %d", *reg)
	}
	fmt.Printf("0x%08x\n", v)
	return nil
}

func cmdMemRead(t target.Target) error {
	words, err := t.MemRead(context.Background(), *addr, *length)
	if err != nil {
		return errors.Trace(err)
	}
	for i, w := range words {
		fmt.Printf("0x%08x: 0x%08x\n", *addr+uint32(i)*4, w)
	}
	return nil
}

func cmdMemWrite(t target.Target) error {
	var words []uint32
	if *data != "" {
		for _, s := range strings.Split(*data, ",") {
			v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
			if err != nil {
				return errors.Annotatef(err, "parsing -data")
			}
			words = append(words, uint32(v))
		}
	} else {
		words = []uint32{*value}
	}
	return errors.Annotatef(t.MemWrite(context.Background(), *addr, words), "mem-write at 0x%x", *addr)
}

func parseKind(s string) (target.BreakwatchKind, error) {
	switch s {
	case "execute":
		return target.BreakwatchExecute, nil
	case "load":
		return target.BreakwatchLoad, nil
	case "store":
		return target.BreakwatchStore, nil
	case "access":
		return target.BreakwatchAccess, nil
	}
	return 0, errors.Errorf("unknown -kind %q", s)
}

func cmdBreakSet(t target.Target) error {
	k, err := parseKind(*kind)
	if err != nil {
		return errors.Trace(err)
	}
	bw := &target.Breakwatch{Addr: *addr, Kind: k}
	if err := t.BreakwatchSet(context.Background(), bw); err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("armed trigger slot %v\n", bw.Slot)
	return nil
}

func cmdBreakClear(t target.Target) error {
	k, err := parseKind(*kind)
	if err != nil {
		return errors.Trace(err)
	}
	bw := &target.Breakwatch{Addr: *addr, Kind: k}
	return errors.Trace(t.BreakwatchClear(context.Background(), bw))
}

func run() error {
	name := flag.Arg(0)
	for _, c := range commands {
		if c.name != name {
			continue
		}
		t, closeFn, err := attach()
		if err != nil {
			return errors.Trace(err)
		}
		defer closeFn()
		return c.handler(t)
	}
	usage()
	if name == "" {
		return nil
	}
	return errors.Errorf("unknown command %q", name)
}

func main() {
	flag.Parse()
	pflagenv.Parse(envPrefix)

	if *helpFull {
		usage()
		flag.PrintDefaults()
		return
	}

	if err := run(); err != nil {
		var errs error
		errs = multierror.Append(errs, err)
		glog.Errorf("%+v", errs)
		color.Red("Error: %s", err)
		os.Exit(1)
	}
}
