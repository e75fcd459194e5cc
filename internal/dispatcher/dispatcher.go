package dispatcher

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Commands understood by the ledger.
const (
	CmdImportVehicles = ":IMPORT:VEHICLES:"
	CmdIngestTrace    = ":INGEST:TRACE:"
	CmdReconcile      = ":RECONCILE:"
	CmdQueryLedger    = ":QUERY:LEDGER:"
	CmdUndoImport     = ":UNDO:IMPORT:"
	CmdReplay         = ":REPLAY:"
	CmdStatus         = ":STATUS:"
)

// Event represents an incoming command from the request layer.
type Event struct {
	Command   string
	Args      []string
	Body      io.Reader
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(context.Context, Event) (any, error)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	exclusive bool
	logged    bool
}

// Exclusive serializes the handler against every other exclusive handler.
func Exclusive() Option {
	return func(c *config) {
		c.exclusive = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	logger   Logger

	// held by exclusive handlers for their whole run
	exclusive sync.Mutex

	// OTEL metrics
	inflightGauge metric.Int64ObservableGauge
	processed     metric.Int64Counter
	failed        metric.Int64Counter
	duration      metric.Float64Histogram

	// Track running commands for gauge callback
	mu       sync.RWMutex
	inflight map[string]int64
}

// New creates a Dispatcher that logs through logger.
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		inflight: make(map[string]int64),
		logger:   logger,
	}

	if err := d.initMetrics(); err != nil {
		return nil, err
	}
	return d, nil
}

// Register adds a handler for the given command with optional configuration.
func (d *Dispatcher) Register(command string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := d.withMetrics(command, h)

	if cfg.exclusive {
		handler = d.withExclusive(handler)
	}

	if cfg.logged {
		handler = d.withLogging(command, handler)
	}

	d.handlers[command] = handler
}

// Dispatch routes an event to its registered handler.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) (any, error) {
	h, ok := d.handlers[e.Command]
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", e.Command)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return h(ctx, e)
}

// HasHandler returns true if a handler is registered for the command.
func (d *Dispatcher) HasHandler(command string) bool {
	_, ok := d.handlers[command]
	return ok
}

// Commands lists registered commands in sorted order.
func (d *Dispatcher) Commands() []string {
	out := make([]string, 0, len(d.handlers))
	for cmd := range d.handlers {
		out = append(out, cmd)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) withMetrics(command string, h HandlerFunc) HandlerFunc {
	cmdAttr := metric.WithAttributes(attribute.String("command", command))

	return func(ctx context.Context, e Event) (any, error) {
		d.mu.Lock()
		d.inflight[command]++
		d.mu.Unlock()

		start := time.Now()
		result, err := h(ctx, e)

		d.mu.Lock()
		d.inflight[command]--
		d.mu.Unlock()

		d.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, cmdAttr)
		d.processed.Add(ctx, 1, cmdAttr)
		if err != nil {
			d.failed.Add(ctx, 1, cmdAttr)
		}
		return result, err
	}
}

func (d *Dispatcher) withExclusive(h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, e Event) (any, error) {
		d.exclusive.Lock()
		defer d.exclusive.Unlock()
		return h(ctx, e)
	}
}

func (d *Dispatcher) withLogging(command string, h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("handling command", "command", command, "args", len(e.Args))

		result, err := h(ctx, e)

		if err != nil {
			d.logger.Error("command failed", "command", command, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("command complete", "command", command, "duration", time.Since(start))
		}

		return result, err
	}
}
