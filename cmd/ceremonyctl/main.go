// Command ceremonyctl talks to a running ceremony coordinator: it contributes
// on behalf of a participant, inspects the ceremony and runs operator commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/anoma/trusted-setup-ceremony/logging"
	"github.com/anoma/trusted-setup-ceremony/rpc"
)

type globalOptions struct {
	RPC      string        `long:"rpc"      description:"Participant RPC address" default:"localhost:50002"`
	Admin    string        `long:"admin"    description:"Operator RPC address"    default:"localhost:50003"`
	Timeout  time.Duration `long:"timeout"  description:"Timeout of a single call" default:"30s"`
	DebugLog bool          `long:"debuglog" description:"Enable debug logs"`
}

var opts globalOptions

// connect dials the participant endpoint, or the operator one when admin is set.
func connect(ctx context.Context, admin bool) (*rpc.Client, error) {
	addr := opts.RPC
	if admin {
		addr = opts.Admin
	}
	return rpc.Dial(ctx, addr)
}

func callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opts.Timeout)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// app carries the context commands run in. It gets its logger once the
// global options are parsed.
type app struct {
	ctx context.Context
}

func newParser(ctx context.Context) *flags.Parser {
	a := &app{ctx: ctx}
	parser := flags.NewParser(&opts, flags.Default)
	parser.CommandHandler = func(command flags.Commander, args []string) error {
		if command == nil {
			return nil
		}
		level := zap.WarnLevel
		if opts.DebugLog {
			level = zap.DebugLevel
		}
		a.ctx = logging.NewContext(ctx, logging.New(level, "", false))
		return command.Execute(args)
	}
	mustAdd(parser, "status", "Show the ceremony status", &statusCommand{cli: a})
	mustAdd(parser, "join", "Register a participant", &joinCommand{cli: a})
	mustAdd(parser, "contribute", "Lock a chunk, compute a contribution and submit it", &contributeCommand{cli: a})
	mustAdd(parser, "simulate", "Run many contributors concurrently until the ceremony closes", &simulateCommand{cli: a})
	mustAdd(parser, "transcript", "Fetch the final transcript of a closed ceremony", &transcriptCommand{cli: a})
	mustAdd(parser, "audit", "Re-verify an accepted contribution", &auditCommand{cli: a})
	mustAdd(parser, "admin", "Run an operator command", &adminCommand{cli: a})
	return parser
}

func mustAdd(parser *flags.Parser, name, description string, data any) {
	if _, err := parser.AddCommand(name, description, description, data); err != nil {
		panic(err)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if _, err := newParser(ctx).Parse(); err != nil {
		var flagsErr *flags.Error
		// the flags package already printed its own errors
		if !errors.As(err, &flagsErr) {
			color.Red("error: %v", err)
		}
		if flagsErr != nil && flagsErr.Type == flags.ErrHelp {
			return
		}
		stop()
		os.Exit(1)
	}
}
