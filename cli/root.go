package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/dlshim"
	"github.com/sliverarmory/dlshim/guest"
	"github.com/sliverarmory/dlshim/internal/config"
	"github.com/sliverarmory/dlshim/memmod"
	"github.com/sliverarmory/dlshim/svc"
)

// rtldNow is the dlopen mode passed for the library.
const rtldNow = 2

var (
	configPath string
	archName   string
	rootDir    string
	searchPath []string
	logLevel   string
	closeAfter bool
	dump       bool
)

var rootCmd = &cobra.Command{
	Use:          "dlshim [flags] <library> [symbol...]",
	Short:        "Open a guest shared library through the emulated libdl and resolve symbols",
	Args:         usageArgs(cobra.MinimumNArgs(1)),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := newSession(cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		return s.run(cmd.OutOrStdout(), args[0], args[1:])
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "TOML configuration file")
	rootCmd.Flags().StringVar(&archName, "arch", "", "guest architecture (arm or arm64)")
	rootCmd.Flags().StringVar(&rootDir, "root", "", "host directory holding the guest file system")
	rootCmd.Flags().StringSliceVar(&searchPath, "search-path", nil, "guest library directories searched for bare names")
	rootCmd.Flags().StringVar(&logLevel, "log", "", "logging level (debug, info, warn or error)")
	rootCmd.Flags().BoolVar(&closeAfter, "close", false, "dlclose the library before exiting")
	rootCmd.Flags().BoolVar(&dump, "dump", false, "dump the loaded modules and installed traps")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
}

// usageError marks errors in the command invocation.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, usageError{err}
	}
	flags := cmd.Flags()
	if flags.Changed("arch") {
		cfg.Arch = archName
	}
	if flags.Changed("root") {
		cfg.Root = rootDir
	}
	if flags.Changed("search-path") {
		cfg.SearchPath = searchPath
	}
	if flags.Changed("log") {
		err = cfg.LogLevel.UnmarshalText([]byte(logLevel))
		if err != nil {
			return nil, usageError{fmt.Errorf("invalid log level: %w", err)}
		}
	}
	err = cfg.Validate()
	if err != nil {
		return nil, usageError{err}
	}
	return cfg, nil
}

// session is a guest with the emulated libdl installed.
type session struct {
	arch     guest.Arch
	cpu      *guest.Flat
	traps    *svc.Memory
	registry *memmod.Registry
	linker   *dlshim.Linker

	scratch, scratchEnd uint64
}

func newSession(cfg *config.Config, logDst io.Writer) (*session, error) {
	arch, err := cfg.GuestArch()
	if err != nil {
		return nil, err
	}
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel)
	log := slog.New(slog.NewJSONHandler(logDst, &slog.HandlerOptions{Level: level}))

	cpu := guest.NewFlat(arch)
	for _, r := range []config.Region{cfg.Stack, cfg.Scratch} {
		err = cpu.MemMap(r.Base, r.Size, guest.ProtRead|guest.ProtWrite)
		if err != nil {
			return nil, err
		}
	}
	sp := guest.ArmSP
	if arch == guest.ArchARM64 {
		sp = guest.Arm64SP
	}
	err = cpu.RegWrite(sp, cfg.Stack.Base+cfg.Stack.Size)
	if err != nil {
		return nil, err
	}

	traps, err := svc.New(cpu, arch, cfg.Trap.Base, cfg.Trap.Size, log)
	if err != nil {
		return nil, err
	}
	registry := memmod.New(cpu, arch, memmod.Options{
		Root:       cfg.Root,
		SearchPath: cfg.SearchPath,
		Base:       cfg.ModuleBase,
	}, log)
	linker, err := dlshim.New(cpu, arch, traps, registry, dlshim.Options{
		ErrorBufferSize: cfg.ErrorBufferSize,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}
	registry.AddHook(linker)

	return &session{
		arch:       arch,
		cpu:        cpu,
		traps:      traps,
		registry:   registry,
		linker:     linker,
		scratch:    cfg.Scratch.Base,
		scratchEnd: cfg.Scratch.Base + cfg.Scratch.Size,
	}, nil
}

// errFailed is returned when a libdl call reported an error to the guest.
var errFailed = errors.New("libdl call failed")

func (s *session) run(w io.Writer, library string, symbols []string) error {
	top, err := s.sp()
	if err != nil {
		return err
	}
	name, err := s.cstring(library)
	if err != nil {
		return err
	}
	handle, err := s.linker.Call("dlopen", name, rtldNow)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "dlopen %s = 0x%x\n", library, handle)
	if s.arch == guest.ArchARM {
		frame, err := s.frame(top)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "frame: %s\n", frame)
	}
	if handle == 0 {
		return s.failed(w)
	}

	failed := false
	for _, sym := range symbols {
		name, err := s.cstring(sym)
		if err != nil {
			return err
		}
		addr, err := s.linker.Call("dlsym", handle, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "dlsym %s = 0x%x\n", sym, addr)
		if addr == 0 {
			failed = true
			if err := s.dlerror(w); err != nil {
				return err
			}
		}
	}

	if dump {
		s.dump(w)
	}

	if closeAfter {
		ret, err := s.linker.Call("dlclose", handle)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "dlclose = 0x%x\n", ret)
		if ret != 0 {
			return s.failed(w)
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

func (s *session) failed(w io.Writer) error {
	if err := s.dlerror(w); err != nil {
		return err
	}
	return errFailed
}

func (s *session) dlerror(w io.Writer) error {
	addr, err := s.linker.Call("dlerror")
	if err != nil {
		return err
	}
	msg, err := guest.ReadCString(s.cpu, addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "dlerror: %s\n", msg)
	return nil
}

func (s *session) sp() (uint64, error) {
	reg := guest.ArmSP
	if s.arch == guest.ArchARM64 {
		reg = guest.Arm64SP
	}
	return s.cpu.RegRead(reg)
}

// frame formats the words pushed below top, lowest address first.
func (s *session) frame(top uint64) (string, error) {
	sp, err := s.sp()
	if err != nil {
		return "", err
	}
	word := s.arch.WordSize()
	var words []string
	for addr := sp; addr < top; addr += uint64(word) {
		v, err := guest.ReadWord(s.cpu, addr, word)
		if err != nil {
			return "", err
		}
		words = append(words, fmt.Sprintf("0x%x", v))
	}
	return strings.Join(words, " "), nil
}

// cstring copies str into scratch memory.
func (s *session) cstring(str string) (uint64, error) {
	addr := s.scratch
	end := guest.AlignUp(addr+uint64(len(str))+1, uint64(s.arch.WordSize()))
	if end > s.scratchEnd {
		return 0, fmt.Errorf("scratch region exhausted writing %q", str)
	}
	err := guest.WriteCString(s.cpu, addr, str)
	if err != nil {
		return 0, err
	}
	s.scratch = end
	return addr, nil
}

type moduleDump struct {
	Name       string
	Path       string
	Soname     string
	Base       string
	Size       string
	Refs       int
	Needed     []string
	Unresolved []string
	Exports    []string
	Pending    []string
}

type trapDump struct {
	Name   string
	Number uint32
	Addr   string
}

func (s *session) dump(w io.Writer) {
	var modules []moduleDump
	for _, m := range s.registry.Modules() {
		d := moduleDump{
			Name:       m.Name,
			Path:       m.Path,
			Soname:     m.Soname,
			Base:       fmt.Sprintf("0x%x", m.Base),
			Size:       fmt.Sprintf("0x%x", m.Size),
			Refs:       m.Refs(),
			Needed:     m.Needed,
			Unresolved: m.Unresolved(),
		}
		for _, sym := range m.Exports() {
			d.Exports = append(d.Exports, fmt.Sprintf("%s=0x%x", sym.Name, sym.Value))
		}
		for _, fn := range m.InitFunctions() {
			d.Pending = append(d.Pending, fn.String())
		}
		modules = append(modules, d)
	}
	var traps []trapDump
	for _, t := range s.traps.Traps() {
		traps = append(traps, trapDump{Name: t.Name, Number: t.Number, Addr: fmt.Sprintf("0x%x", t.Addr)})
	}
	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true, SortKeys: true}
	cfg.Fdump(w, modules, traps)
}

// Exit status codes.
const (
	success       = 0
	internalError = 1 << (iota - 1)
	invocationError
)

// Main runs the command with os.Args and returns the exit status.
func Main() int {
	err := rootCmd.Execute()
	if err == nil {
		return success
	}
	var uerr usageError
	if errors.As(err, &uerr) {
		return invocationError
	}
	return internalError
}

func main() { os.Exit(Main()) }
