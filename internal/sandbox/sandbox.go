// Package sandbox executes user-authored scripts in an embedded
// interpreter with no filesystem, network or stdlib access. Scripts
// only reach the host through the bridge functions exported into the
// interpreter, and every value crossing the boundary is copied via a
// JSON round-trip so scripts can never hold references into host state.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"

	"github.com/rendis/flowd/pkg/schema"
)

// Default execution limits.
const (
	DefaultTimeout        = 10 * time.Second
	DefaultMaxScriptBytes = 64 * 1024
	DefaultMaxResultBytes = 1024 * 1024
	DefaultMaxLogBytes    = 1024 * 1024
)

// Limits bounds a single script execution. Zero values fall back to
// the defaults.
type Limits struct {
	Timeout        time.Duration
	MaxScriptBytes int
	MaxResultBytes int
	MaxLogBytes    int
}

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	if l.MaxScriptBytes <= 0 {
		l.MaxScriptBytes = DefaultMaxScriptBytes
	}
	if l.MaxResultBytes <= 0 {
		l.MaxResultBytes = DefaultMaxResultBytes
	}
	if l.MaxLogBytes <= 0 {
		l.MaxLogBytes = DefaultMaxLogBytes
	}
	return l
}

// Result is the outcome of one script execution. Script failures are
// reported here, not as host errors.
type Result struct {
	Success bool
	Message string
	Value   any
	Logs    []string
}

// DataAPI is the owner-scoped document access exposed to scripts as
// the `db` package.
type DataAPI interface {
	Create(model string, doc map[string]any) (map[string]any, error)
	Find(model string, selector map[string]any) ([]map[string]any, error)
	FindOne(model string, selector map[string]any) (map[string]any, error)
	Update(model string, selector, patch map[string]any) (int, error)
	Delete(model string, selector map[string]any) (int, error)
}

// WorkflowAPI lets scripts start other workflows, exposed as the
// `workflow` package.
type WorkflowAPI interface {
	Run(name string, contextData map[string]any) (string, error)
}

// EnvAPI exposes the owner's configuration variables as the `env`
// package.
type EnvAPI interface {
	Get(name string) string
	GetAll() map[string]string
}

// Bridge bundles the host capabilities a script may use.
type Bridge struct {
	DB       DataAPI
	Workflow WorkflowAPI
	Env      EnvAPI
	Logger   *slog.Logger
}

// Runtime executes scripts. One interpreter is built per execution and
// discarded afterwards, so scripts cannot leak state into each other.
type Runtime struct {
	logger *slog.Logger
}

func NewRuntime(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{logger: logger}
}

// Execute runs one script body. The body is wrapped in a function
// returning any, so plain `return <expr>` works; a script without a
// return yields nil. The interpreter sees only the bridge packages —
// the Go stdlib is not loaded.
func (r *Runtime) Execute(ctx context.Context, script string, bridge *Bridge, limits Limits) *Result {
	limits = limits.withDefaults()

	if len(script) > limits.MaxScriptBytes {
		return &Result{Success: false, Message: fmt.Sprintf("script exceeds %d byte limit", limits.MaxScriptBytes)}
	}
	if strings.TrimSpace(script) == "" {
		return &Result{Success: false, Message: "empty script"}
	}

	logs := &logBuffer{max: limits.MaxLogBytes}

	res := r.run(ctx, script, bridge, limits, logs)
	res.Logs = logs.entries
	return res
}

func (r *Runtime) run(ctx context.Context, script string, bridge *Bridge, limits Limits, logs *logBuffer) (res *Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "script panicked", "panic", p)
			res = &Result{Success: false, Message: fmt.Sprintf("script panic: %v", p)}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	i := interp.New(interp.Options{})
	if err := i.Use(bridgeExports(bridge, logs, limits)); err != nil {
		return &Result{Success: false, Message: fmt.Sprintf("sandbox setup: %v", err)}
	}
	if _, err := i.Eval(`import ("db"; "workflow"; "logger"; "env")`); err != nil {
		return &Result{Success: false, Message: fmt.Sprintf("sandbox setup: %v", err)}
	}

	// Trailing return nil keeps return-less scripts compiling;
	// unreachable code after a script's own return is legal.
	wrapped := "func __run() any {\n" + script + "\nreturn nil\n}"
	if _, err := i.EvalWithContext(ctx, wrapped); err != nil {
		return &Result{Success: false, Message: scriptError(ctx, err)}
	}

	v, err := i.EvalWithContext(ctx, "__run()")
	if err != nil {
		return &Result{Success: false, Message: scriptError(ctx, err)}
	}

	value, err := copyOut(v, limits.MaxResultBytes)
	if err != nil {
		return &Result{Success: false, Message: err.Error()}
	}
	return &Result{Success: true, Value: value}
}

func scriptError(ctx context.Context, err error) string {
	if ctx.Err() == context.DeadlineExceeded {
		return schema.NewError(schema.ErrCodeTimeout, "script exceeded wall-clock timeout").Error()
	}
	return "script error: " + err.Error()
}

// copyOut brings the script's return value across the boundary as
// detached JSON data, enforcing the result size cap.
func copyOut(v reflect.Value, maxBytes int) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, fmt.Errorf("script result is not JSON-serializable: %w", err)
	}
	if len(raw) > maxBytes {
		return nil, schema.NewErrorf(schema.ErrCodeLimit, "script result exceeds %d byte limit", maxBytes)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// copyIn detaches a script-supplied map before handing it to the host.
func copyIn(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// bridgeExports builds the interpreter's symbol table: exactly four
// packages, nothing else.
func bridgeExports(bridge *Bridge, logs *logBuffer, limits Limits) interp.Exports {
	dbCreate := func(model string, doc map[string]any) (map[string]any, error) {
		if bridge == nil || bridge.DB == nil {
			return nil, fmt.Errorf("db access not available")
		}
		out, err := bridge.DB.Create(model, copyIn(doc))
		return copyIn(out), err
	}
	dbFind := func(model string, selector map[string]any) ([]map[string]any, error) {
		if bridge == nil || bridge.DB == nil {
			return nil, fmt.Errorf("db access not available")
		}
		docs, err := bridge.DB.Find(model, copyIn(selector))
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(docs))
		for idx, d := range docs {
			out[idx] = copyIn(d)
		}
		return out, nil
	}
	dbFindOne := func(model string, selector map[string]any) (map[string]any, error) {
		if bridge == nil || bridge.DB == nil {
			return nil, fmt.Errorf("db access not available")
		}
		out, err := bridge.DB.FindOne(model, copyIn(selector))
		return copyIn(out), err
	}
	dbUpdate := func(model string, selector, patch map[string]any) (int, error) {
		if bridge == nil || bridge.DB == nil {
			return 0, fmt.Errorf("db access not available")
		}
		return bridge.DB.Update(model, copyIn(selector), copyIn(patch))
	}
	dbDelete := func(model string, selector map[string]any) (int, error) {
		if bridge == nil || bridge.DB == nil {
			return 0, fmt.Errorf("db access not available")
		}
		return bridge.DB.Delete(model, copyIn(selector))
	}

	wfRun := func(name string, contextData map[string]any) (string, error) {
		if bridge == nil || bridge.Workflow == nil {
			return "", fmt.Errorf("workflow access not available")
		}
		return bridge.Workflow.Run(name, copyIn(contextData))
	}

	envGet := func(name string) string {
		if bridge == nil || bridge.Env == nil {
			return ""
		}
		return bridge.Env.Get(name)
	}
	envGetAll := func() map[string]string {
		if bridge == nil || bridge.Env == nil {
			return map[string]string{}
		}
		all := bridge.Env.GetAll()
		out := make(map[string]string, len(all))
		for k, v := range all {
			out[k] = v
		}
		return out
	}

	logFn := func(level string) func(args ...any) {
		return func(args ...any) {
			logs.append(level, args)
			if bridge != nil && bridge.Logger != nil {
				bridge.Logger.Log(context.Background(), slogLevel(level), "script log", "entry", fmt.Sprint(args...))
			}
		}
	}

	return interp.Exports{
		"db/db": {
			"Create":  reflect.ValueOf(dbCreate),
			"Find":    reflect.ValueOf(dbFind),
			"FindOne": reflect.ValueOf(dbFindOne),
			"Update":  reflect.ValueOf(dbUpdate),
			"Delete":  reflect.ValueOf(dbDelete),
		},
		"workflow/workflow": {
			"Run": reflect.ValueOf(wfRun),
		},
		"env/env": {
			"Get":    reflect.ValueOf(envGet),
			"GetAll": reflect.ValueOf(envGetAll),
		},
		"logger/logger": {
			"Info":  reflect.ValueOf(logFn("info")),
			"Warn":  reflect.ValueOf(logFn("warn")),
			"Error": reflect.ValueOf(logFn("error")),
		},
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// logBuffer collects script log lines up to a byte cap. Further lines
// are dropped with a single truncation marker.
type logBuffer struct {
	mu        sync.Mutex
	entries   []string
	bytes     int
	max       int
	truncated bool
}

func (b *logBuffer) append(level string, args []any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return
	}
	line := "[" + level + "] " + fmt.Sprint(args...)
	if b.bytes+len(line) > b.max {
		b.entries = append(b.entries, "[warn] log output truncated")
		b.truncated = true
		return
	}
	b.entries = append(b.entries, line)
	b.bytes += len(line)
}
