package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tollmark/mileage/internal/dispatcher"
	"github.com/tollmark/mileage/internal/ledger"
	"github.com/tollmark/mileage/internal/logging"
	"github.com/tollmark/mileage/internal/model"
)

const recentRuns = 10

type command struct {
	name    string
	event   string
	usage   string
	help    string
	minArgs int
	file    bool
}

var commands = []command{
	{name: "setup", usage: "setup", help: "create or migrate the ledger schema"},
	{name: "import-vehicles", event: dispatcher.CmdImportVehicles, usage: "import-vehicles <csv>", help: "load vehicle master rows", minArgs: 1, file: true},
	{name: "ingest", event: dispatcher.CmdIngestTrace, usage: "ingest <csv>", help: "stage one trace batch", minArgs: 1, file: true},
	{name: "reconcile", event: dispatcher.CmdReconcile, usage: "reconcile", help: "fold staged passes into the ledger"},
	{name: "query", event: dispatcher.CmdQueryLedger, usage: "query [plate]", help: "print ledger rows"},
	{name: "undo", event: dispatcher.CmdUndoImport, usage: "undo", help: "discard staged passes"},
	{name: "replay", event: dispatcher.CmdReplay, usage: "replay <plate>", help: "restage logged passes of a plate after its ledger position", minArgs: 1},
	{name: "status", event: dispatcher.CmdStatus, usage: "status", help: "pending passes and recent reconcile runs"},
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// ledgerWrites are the commands that change the ledger or staging. Their
// dispatch events are logged at info level.
var ledgerWrites = []string{
	dispatcher.CmdImportVehicles,
	dispatcher.CmdIngestTrace,
	dispatcher.CmdReconcile,
	dispatcher.CmdUndoImport,
	dispatcher.CmdReplay,
}

// Replay is printed by the replay command.
type Replay struct {
	Plate    string `json:"plate"`
	Restaged int    `json:"restaged"`
}

// Status is printed by the status command.
type Status struct {
	Pending int64                `json:"pending"`
	Runs    []model.ReconcileRun `json:"runs"`
}

// registerHandlers wires the ledger entry points to their commands. Every
// command that writes is exclusive so, within one process, an ingest never
// interleaves with a reconcile or an undo.
func registerHandlers(d *dispatcher.Dispatcher, svc *ledger.Service) {
	d.Register(dispatcher.CmdImportVehicles, func(ctx context.Context, e dispatcher.Event) (any, error) {
		return svc.ImportVehicles(ctx, e.Body)
	}, dispatcher.Exclusive(), dispatcher.Logged())

	d.Register(dispatcher.CmdIngestTrace, func(ctx context.Context, e dispatcher.Event) (any, error) {
		return svc.IngestTrace(ctx, e.Body)
	}, dispatcher.Exclusive(), dispatcher.Logged())

	d.Register(dispatcher.CmdReconcile, func(ctx context.Context, e dispatcher.Event) (any, error) {
		return svc.Reconcile(ctx)
	}, dispatcher.Exclusive(), dispatcher.Logged())

	d.Register(dispatcher.CmdUndoImport, func(ctx context.Context, e dispatcher.Event) (any, error) {
		return nil, svc.UndoImport(ctx)
	}, dispatcher.Exclusive(), dispatcher.Logged())

	d.Register(dispatcher.CmdReplay, func(ctx context.Context, e dispatcher.Event) (any, error) {
		if len(e.Args) == 0 {
			return nil, fmt.Errorf("replay: plate is required")
		}
		n, err := svc.Replay(ctx, e.Args[0])
		if err != nil {
			return nil, err
		}
		return Replay{Plate: e.Args[0], Restaged: n}, nil
	}, dispatcher.Exclusive(), dispatcher.Logged())

	d.Register(dispatcher.CmdQueryLedger, func(ctx context.Context, e dispatcher.Event) (any, error) {
		plate := ""
		if len(e.Args) > 0 {
			plate = e.Args[0]
		}
		return svc.QueryLedger(ctx, plate)
	}, dispatcher.Logged())

	d.Register(dispatcher.CmdStatus, func(ctx context.Context, e dispatcher.Event) (any, error) {
		pending, err := svc.Pending(ctx)
		if err != nil {
			return nil, err
		}
		runs, err := svc.Runs(ctx, recentRuns)
		if err != nil {
			return nil, err
		}
		return Status{Pending: pending, Runs: runs}, nil
	}, dispatcher.Logged())
}

// exec runs one CLI command and writes its result as JSON to out.
func (a *app) exec(ctx context.Context, args []string, out io.Writer) error {
	c, ok := lookup(strings.ToLower(args[0]))
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	rest := args[1:]
	if len(rest) < c.minArgs {
		return fmt.Errorf("usage: %s %s", AppName, c.usage)
	}

	// schema setup already ran while wiring storage
	if c.event == "" {
		fmt.Fprintln(out, "Schema ready")
		return nil
	}

	ctx = logging.WithAttrs(ctx, slog.String("command", c.name))
	e := dispatcher.Event{Command: c.event, Args: rest}
	if c.file {
		f, err := os.Open(rest[0])
		if err != nil {
			return fmt.Errorf("opening %s: %w", rest[0], err)
		}
		defer f.Close()
		e.Body = f
		e.Args = rest[1:]
	}

	result, err := a.dispatcher.Dispatch(ctx, e)
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Fprintln(out, "OK")
		return nil
	}
	return writeJSON(out, result)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
