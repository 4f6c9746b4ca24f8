// Package script evaluates Starlark configuration scripts into deployment configurations.
//
// A script declares a zero-argument function named "configuration" returning
// deployment_configuration(...). Scripts have no access to the host beyond
// the predeclared builtins, and execution is bounded in steps.
package script

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/youwol/ywinfra/pkg/deploy"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.uber.org/zap"
)

// EntryPoint is the function every configuration script must define
const EntryPoint = "configuration"

// DefaultMaxSteps bounds the execution of a script
const DefaultMaxSteps = 10_000_000

func init() {
	resolve.AllowGlobalReassign = true
	resolve.AllowRecursion = true
	resolve.AllowSet = true
}

// Evaluator compiles configuration scripts
type Evaluator struct {
	MaxSteps uint64

	logger *zap.Logger
}

// NewEvaluator creates an evaluator
func NewEvaluator(logger *zap.Logger) *Evaluator {
	return &Evaluator{MaxSteps: DefaultMaxSteps, logger: logger}
}

// Module is a script whose top level executed successfully
type Module struct {
	Filename string

	globals starlark.StringDict
	thread  *starlark.Thread
}

// Compile parses, resolves and executes the top level of a script in a fresh scope.
// It fails with *SyntaxError or *RuntimeError.
func (e *Evaluator) Compile(filename string, src []byte) (*Module, error) {
	abs, err := filepath.Abs(filename)
	if err != nil {
		abs = filename
	}

	thread := e.newThread(abs)
	globals, err := starlark.ExecFile(thread, abs, src, predeclared(filepath.Dir(abs)))
	if err != nil {
		return nil, compileError(err)
	}
	return &Module{Filename: abs, globals: globals, thread: thread}, nil
}

func (e *Evaluator) newThread(filename string) *starlark.Thread {
	logger := e.logger.With(zap.String("script", filename))
	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info("script output", zap.String("msg", msg))
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q): loading modules is not supported", module)
		},
	}
	if e.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(e.MaxSteps)
	}
	return thread
}

// Configuration calls the entry point and validates its result.
func (m *Module) Configuration() (*deploy.Configuration, error) {
	v, ok := m.globals[EntryPoint]
	if !ok {
		return nil, ErrEntryPointMissing
	}

	fn, ok := v.(*starlark.Function)
	if !ok {
		return nil, &MisuseError{Details: fmt.Sprintf("'%s' is a %s, it must be defined with def", EntryPoint, v.Type())}
	}
	if required := requiredParams(fn); len(required) > 0 {
		return nil, &MisuseError{Details: fmt.Sprintf("'%s' must take no arguments, it requires %v", EntryPoint, required)}
	}

	res, err := starlark.Call(m.thread, fn, nil, nil)
	if err != nil {
		return nil, callError(err)
	}

	cv, ok := res.(*configValue)
	if !ok {
		return nil, &ResultError{Got: res.Type()}
	}
	cfg := cv.configuration()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func requiredParams(fn *starlark.Function) []string {
	n := fn.NumParams()
	if fn.HasKwargs() {
		n--
	}
	if fn.HasVarargs() {
		n--
	}
	var required []string
	for i := 0; i < n; i++ {
		if fn.ParamDefault(i) == nil {
			name, _ := fn.Param(i)
			required = append(required, name)
		}
	}
	return required
}

// callError keeps typed causes raised by builtins and converts the rest
func callError(err error) error {
	var refErr *ReferenceError
	if errors.As(err, &refErr) {
		return refErr
	}
	var valErr *deploy.ValidationError
	if errors.As(err, &valErr) {
		return valErr
	}
	var misuse *MisuseError
	if errors.As(err, &misuse) {
		return misuse
	}
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		return runtimeError(ee)
	}
	return &RuntimeError{Class: "Error", Msg: err.Error()}
}
