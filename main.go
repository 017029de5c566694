package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	arg "github.com/alexflint/go-arg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// command is one subcommand of the CLI.
type command struct {
	name     string
	synopsis string
	args     handler
}

// handler is implemented by every subcommand's argument struct.
type handler interface {
	Handle(ctx context.Context, logger *zap.Logger) error
	common() *CommonArgs
}

// validator lets argument structs reject flag combinations after parsing.
type validator interface {
	Validate() error
}

// CommonArgs are accepted by every subcommand.
type CommonArgs struct {
	Verbose bool   `arg:"-v" help:"debug logging"`
	EnvFile string `arg:"--env-file" help:"runtime env file (TOKENIZERS_PARALLELISM, OMP_NUM_THREADS)"`
}

func (c *CommonArgs) common() *CommonArgs { return c }

func commands() []command {
	return []command{
		{"train", "train a model from an hparams YAML file", newTrainCmd()},
		{"predict", "score a CSV with a checkpoint", newPredictCmd()},
		{"evaluate", "score a labelled CSV and report correlations", newEvaluateCmd()},
	}
}

func prog() string {
	if len(os.Args) > 0 {
		return filepath.Base(os.Args[0])
	}
	return "qe"
}

func writeUsage(w io.Writer, cmds []command) {
	fmt.Fprintf(w, "Usage: %s COMMAND [ARGS]\n", prog())
	fmt.Fprintf(w, "Command can be one of:\n")
	for _, cmd := range cmds {
		fmt.Fprintf(w, "  %-20s %s\n", cmd.name, cmd.synopsis)
	}
	fmt.Fprintf(w, "  %-20s %s\n", "help", "display this help and exit")
	fmt.Fprintf(w, "  %-20s %s\n", "help COMMAND", "display help for command and exit")
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	cmds := commands()
	if len(argv) == 0 {
		writeUsage(os.Stdout, cmds)
		fmt.Println("\nError: no command provided")
		return 1
	}

	var help bool
	action := argv[0]
	if action == "help" || action == "-h" || action == "--help" {
		if len(argv) < 2 {
			writeUsage(os.Stdout, cmds)
			return 0
		}
		help = true
		action = argv[1]
	}

	var cmd *command
	for i := range cmds {
		if cmds[i].name == action {
			cmd = &cmds[i]
			break
		}
	}
	if cmd == nil {
		writeUsage(os.Stdout, cmds)
		fmt.Println("\nError: unknown command", action)
		return 1
	}

	parser, err := arg.NewParser(arg.Config{Program: prog() + " " + action}, cmd.args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if help {
		parser.WriteHelp(os.Stdout)
		return 0
	}
	if err := parser.Parse(argv[1:]); err != nil {
		if err == arg.ErrHelp {
			parser.WriteHelp(os.Stdout)
			return 0
		}
		parser.WriteUsage(os.Stderr)
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	if v, ok := cmd.args.(validator); ok {
		if err := v.Validate(); err != nil {
			parser.WriteUsage(os.Stderr)
			fmt.Fprintln(os.Stderr, "error:", err)
			return 2
		}
	}

	logger := newLogger(cmd.args.common().Verbose)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cmd.args.Handle(ctx, logger); err != nil {
		logger.Error("command failed", zap.String("command", action), zap.Error(err))
		return 1
	}
	return 0
}

// newLogger writes errors to stderr and everything else to stdout as JSON.
// Verbose enables debug events (per-step losses).
func newLogger(verbose bool) *zap.Logger {
	minLevel := zapcore.InfoLevel
	if verbose {
		minLevel = zapcore.DebugLevel
	}

	isErrorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	isInfoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= minLevel && lvl < zapcore.ErrorLevel
	})

	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.RFC3339TimeEncoder
	encoder := zapcore.NewJSONEncoder(config)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), isErrorLevel),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), isInfoLevel),
	)
	return zap.New(core, zap.AddCaller())
}
