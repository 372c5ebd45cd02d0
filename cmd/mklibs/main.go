// Command mklibs builds a minimal shared-library directory for an
// embedded or installer root filesystem: given a set of executables
// and a destination directory, it populates the directory with
// stripped, symbol-reduced copies of every shared library those
// executables transitively require.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/mklibs-go/mklibs/internal/classify"
	"github.com/mklibs-go/mklibs/internal/closure"
	"github.com/mklibs-go/mklibs/internal/config"
	"github.com/mklibs-go/mklibs/internal/elfinspect"
	"github.com/mklibs-go/mklibs/internal/event"
	"github.com/mklibs-go/mklibs/internal/finalize"
	"github.com/mklibs-go/mklibs/internal/liblocate"
	mklog "github.com/mklibs-go/mklibs/internal/log"
	"github.com/mklibs-go/mklibs/internal/policy"
	"github.com/mklibs-go/mklibs/internal/progress"
	"github.com/mklibs-go/mklibs/internal/reduce"
	"github.com/mklibs-go/mklibs/internal/toolchain"
	"github.com/mklibs-go/mklibs/internal/verify"
)

// version is set by the release build via -ldflags; "dev" covers
// local builds.
var version = "dev"

// Exit codes. 0 and 1 are Go/Cobra's usual success/generic-error;
// everything else pins one spec.md §7 taxonomy member to a stable
// number so wrapper scripts can branch on failure class.
const (
	exitOK                 = 0
	exitGeneric            = 1
	exitInspection         = 2
	exitLibraryNotFound    = 3
	exitLoaderNotFound     = 4
	exitUnresolvableSymbol = 5
	exitSubprocessFailure  = 6
)

// These are read directly in runReduce/runVerify; every other flag is
// read back out of the command's FlagSet by config.Config.Overlay, so
// it doesn't need a bound package variable of its own.
var (
	flagVerboseCount int
	flagConfig       string
	flagTUI          bool
	flagNoTUI        bool
	flagMaxInsn      int
)

func main() {
	os.Setenv("LC_ALL", "C")

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mklibs [flags] FILE...",
		Short: "Build a minimal shared-library directory for a set of binaries",
		Args:  cobra.ArbitraryArgs,
		RunE:  runReduce,
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	bindReduceFlags(root)
	root.Flags().BoolP("version", "V", false, "print the mklibs version and exit")

	reduceCmd := &cobra.Command{
		Use:   "reduce [flags] FILE...",
		Short: "Compute the symbol closure and reduce every needed library",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runReduce,
	}
	bindReduceFlags(reduceCmd)
	root.AddCommand(reduceCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify [flags] <dest-dir> <binary>",
		Short: "Load a finalized binary and its libraries into an emulator and single-step from its entry point",
		Args:  cobra.ExactArgs(2),
		RunE:  runVerify,
	}
	verifyCmd.Flags().IntVar(&flagMaxInsn, "max-insn", verify.DefaultMaxInsn, "maximum instructions to single-step")
	root.AddCommand(verifyCmd)

	return root
}

func bindReduceFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringP("dest-dir", "d", "", "destination directory (required)")
	fs.StringSliceP("L", "L", nil, "add a directory to the library search path (repeatable)")
	fs.BoolP("no-default-lib", "D", false, "suppress the default library path")
	fs.StringSliceP("l", "l", nil, "force-include a library by basename (repeatable)")
	fs.String("ldlib", "", "dynamic loader path (overrides auto-detect and the ldlib environment variable)")
	fs.String("libc-extras-dir", "", "directory holding soinit.o and sofini.o for libc re-linking")
	fs.String("target", "", "prefix prepended to linker and objcopy invocations (cross-toolchain support)")
	fs.String("root", "", "filesystem root under which rpaths are interpreted and libraries are left untouched")
	fs.CountVarP(&flagVerboseCount, "verbose", "v", "increase verbosity (repeatable up to two levels)")
	fs.StringVar(&flagConfig, "config", "", "YAML file of defaults, overlaid by any flag given on the command line")
	fs.String("policy-script", "", "JavaScript file exposing forceInclude(ctx), evaluated once per pass")
	fs.BoolVar(&flagTUI, "tui", false, "force the live progress view on")
	fs.BoolVar(&flagNoTUI, "no-tui", false, "force the live progress view off")
	fs.IntVar(&flagMaxInsn, "max-insn", verify.DefaultMaxInsn, "maximum instructions to single-step in verify (reduce itself runs no verify pass)")
}

func runReduce(cmd *cobra.Command, args []string) error {
	if v, _ := cmd.Flags().GetBool("version"); v {
		fmt.Printf("mklibs version %s\n", version)
		return nil
	}
	if len(args) == 0 {
		return cmd.Help()
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	cfg.Overlay(cmd.Flags())
	if cfg.DestDir == "" {
		return fmt.Errorf("--dest-dir is required")
	}
	if err := os.MkdirAll(cfg.DestDir, 0o755); err != nil {
		return fmt.Errorf("create destination %s: %w", cfg.DestDir, err)
	}

	mklog.Init(mklog.Verbosity(flagVerboseCount))
	logger := mklog.L

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	tc := toolchain.New(cfg.Target, nil)
	insp := elfinspect.New(tc)

	classification, err := classify.Classify(args)
	if err != nil {
		return err
	}
	objects := make([]string, 0, len(classification.Objects))
	for _, p := range classification.Objects {
		objects = append(objects, p)
	}
	sort.Strings(objects)

	for path, target := range classification.Hardlinks {
		logger.Debug("hardlink", zap.String("path", path), zap.String("target", target))
	}
	for _, script := range classification.Scripts {
		logger.Debug("script skipped", zap.String("path", script))
	}

	var rpaths []string
	for _, obj := range objects {
		found, err := insp.RPath(ctx, obj)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			continue
		}
		if cfg.Root == "" {
			logger.Warn("rpath declared without --root, ignoring", zap.String("object", obj))
			continue
		}
		for _, p := range found {
			rpaths = append(rpaths, filepath.Join(cfg.Root, p))
		}
	}

	loc := liblocate.New(cfg.LibPath, cfg.NoDefaultLib, rpaths)

	loaderPath := cfg.LDLib
	if loaderPath == "" {
		loaderPath = os.Getenv("ldlib")
	}
	if loaderPath == "" {
		loaderPath, err = classify.DetectLoader(ctx, insp, objects)
		if err != nil {
			return err
		}
	}

	var pol closure.Policy
	if cfg.PolicyScript != "" {
		script, err := policy.Load(cfg.PolicyScript)
		if err != nil {
			return err
		}
		pol = script
	}

	tuiEnabled := wantsDefaultTUI(flagVerboseCount)
	switch {
	case cmd.Flags().Changed("tui") || cmd.Flags().Changed("no-tui"):
		tuiEnabled = flagTUI && !flagNoTUI
	case flagConfig != "":
		tuiEnabled = cfg.TUI
	}

	sinks := event.Multi{logger}
	if tuiEnabled {
		chSink := progress.NewChannelSink(256)
		sinks = append(sinks, chSink)
		program := tea.NewProgram(progress.NewModel(chSink.Events()))
		programDone := make(chan error, 1)
		go func() {
			_, runErr := program.Run()
			programDone <- runErr
		}()
		defer func() {
			chSink.Close()
			<-programDone
		}()
	}

	reducer := &reduce.Reducer{
		Dest:          cfg.DestDir,
		Root:          cfg.Root,
		LibcExtrasDir: cfg.LibcExtrasDir,
		LibPath:       loc.Path,
		Loc:           loc,
		Insp:          insp,
		TC:            tc,
	}

	engine := &closure.Engine{
		Dest:      cfg.DestDir,
		ForceLibs: cfg.ForceLibs,
		Loader:    loaderPath,
		Loc:       loc,
		Insp:      insp,
		Reducer:   reducer,
		Sink:      sinks,
		Policy:    pol,
	}

	result, err := engine.Run(ctx, objects)
	if err != nil {
		logger.Fatal(errorKind(err), err)
		return err
	}
	logger.Info("closure stable", zap.Int("passes", result.Passes))

	finalizer := &finalize.Finalizer{
		Dest:   cfg.DestDir,
		Loader: loaderPath,
		Insp:   insp,
		TC:     tc,
	}
	if err := finalizer.Finalize(ctx); err != nil {
		logger.Fatal(errorKind(err), err)
		return err
	}

	return nil
}

// wantsDefaultTUI is the "default: on when stdout is a TTY and
// verbosity is 0" rule; it's only consulted when neither --tui nor
// --no-tui was given explicitly.
func wantsDefaultTUI(verboseCount int) bool {
	return verboseCount == 0 && progress.IsTerminal()
}

func runVerify(cmd *cobra.Command, args []string) error {
	destDir := args[0]
	binaryPath := args[1]

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := verify.Run(ctx, binaryPath, destDir, flagMaxInsn)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d instructions executed\n", filepath.Base(binaryPath), result.InstructionsExecuted)
	if result.Fault != nil {
		fmt.Printf("fault at 0x%x: %s (%s)\n", result.Fault.Address, result.Fault.Err, result.Fault.Instruction)
		return fmt.Errorf("emulation fault: %w", result.Fault.Err)
	}
	return nil
}

// errorKind maps an error to its spec.md §7 taxonomy name, for
// --verbose log lines and for exitCode below.
func errorKind(err error) string {
	var libNotFound *closure.LibraryNotFoundError
	var unresolvable *closure.UnresolvableSymbolError
	var elfErr *elfinspect.Error
	var subprocFail *toolchain.Failure
	switch {
	case errors.As(err, &libNotFound):
		return "LibraryNotFound"
	case errors.As(err, &unresolvable):
		return "UnresolvableSymbol"
	case errors.Is(err, classify.ErrLoaderNotFound):
		return "LoaderNotFound"
	case errors.As(err, &subprocFail):
		return "SubprocessFailure"
	case errors.As(err, &elfErr):
		return "InspectionError"
	default:
		return "Fatal"
	}
}

func exitCode(err error) int {
	var libNotFound *closure.LibraryNotFoundError
	var unresolvable *closure.UnresolvableSymbolError
	var elfErr *elfinspect.Error
	var subprocFail *toolchain.Failure
	switch {
	case errors.As(err, &libNotFound):
		return exitLibraryNotFound
	case errors.As(err, &unresolvable):
		return exitUnresolvableSymbol
	case errors.Is(err, classify.ErrLoaderNotFound):
		return exitLoaderNotFound
	case errors.As(err, &subprocFail):
		return exitSubprocessFailure
	case errors.As(err, &elfErr):
		return exitInspection
	default:
		return exitGeneric
	}
}
