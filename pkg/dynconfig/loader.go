// Package dynconfig loads configuration scripts through an ordered check
// pipeline and owns the live configuration of the process.
package dynconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/youwol/ywinfra/pkg/auth"
	"github.com/youwol/ywinfra/pkg/cluster"
	"github.com/youwol/ywinfra/pkg/deploy"
	"github.com/youwol/ywinfra/pkg/report"
	"github.com/youwol/ywinfra/pkg/script"
	"go.uber.org/zap"
)

// Activation is what activating a cluster context produced
type Activation struct {
	Tools   *deploy.Tools
	Cluster *cluster.Info
}

// Activator makes a validated configuration's cluster context live
type Activator interface {
	// Activate switches the kube context, starts the local proxy and probes the cluster.
	// It never fails: unreachable clusters give unavailable tools and a nil Info.
	Activate(ctx context.Context, cfg *deploy.Configuration, r *report.Reporter) Activation
	// Deactivate stops the local proxy of the previous activation
	Deactivate() error
}

// Loader runs the validation pipeline
type Loader struct {
	evaluator *script.Evaluator
	activator Activator
	tokens    *auth.TokenCache
	logger    *zap.Logger
}

// NewLoader creates a loader
func NewLoader(evaluator *script.Evaluator, activator Activator, tokens *auth.TokenCache, logger *zap.Logger) *Loader {
	return &Loader{
		evaluator: evaluator,
		activator: activator,
		tokens:    tokens,
		logger:    logger,
	}
}

// Validate runs the four checks without side effects. The configuration is
// nil unless every check passed.
func (l *Loader) Validate(path string) (*deploy.Configuration, *LoadingStatus) {
	status := newLoadingStatus(path)

	if _, err := os.Stat(path); err != nil {
		status.set(0, Failed(ReasonPathMissing, fmt.Sprintf("Double check the location '%s' do exist.", path)))
		return nil, status
	}
	status.set(0, Passed())

	src, err := os.ReadFile(path)
	if err != nil || !utf8.Valid(src) {
		if err != nil {
			l.logger.Debug("failed to read configuration", zap.String("path", path), zap.Error(err))
		}
		status.set(1, Failed(ReasonNotText, fmt.Sprintf("Double check the file at location '%s' is a valid text file.", path)))
		return nil, status
	}
	status.set(1, Passed())

	module, err := l.evaluator.Compile(path, src)
	if err != nil {
		status.set(2, compileStatus(err))
		return nil, status
	}
	status.set(2, Passed())

	cfg, err := module.Configuration()
	if err != nil {
		status.set(3, entryPointStatus(err))
		return nil, status
	}
	status.set(3, Passed())

	status.Validated = true
	return cfg, status
}

// SafeLoad validates path and, on success, activates its cluster context.
// It never returns an error: failures are reported through the status.
func (l *Loader) SafeLoad(ctx context.Context, path string, r *report.Reporter) (*DynamicConfiguration, *LoadingStatus) {
	cfg, status := l.Validate(path)
	if !status.Validated {
		return nil, status
	}
	return l.activate(ctx, path, cfg, r), status
}

func (l *Loader) activate(ctx context.Context, path string, cfg *deploy.Configuration, r *report.Reporter) *DynamicConfiguration {
	act := l.activator.Activate(ctx, cfg, r)
	tools := act.Tools
	if tools == nil {
		tools = deploy.UnavailableTools(errors.New("cluster tools are not configured"))
	}
	if act.Cluster == nil {
		r.Warning("Cluster info not available, is the cluster up and running?", map[string]string{"context": cfg.General.ContextName})
	}
	return &DynamicConfiguration{
		ConfigPath: path,
		Deployment: cfg.Bind(tools),
		Cluster:    act.Cluster,
		tokens:     l.tokens,
	}
}

func compileStatus(err error) Status {
	var se *script.SyntaxError
	if errors.As(err, &se) {
		return Failed(ReasonSyntax, se.Error())
	}
	return Failed(ReasonParseException, err.Error())
}

func entryPointStatus(err error) Status {
	if errors.Is(err, script.ErrEntryPointMissing) {
		return Failed(ReasonEntryMissing,
			"Make sure the configuration file include a function with signature: 'def configuration()'.")
	}

	var resErr *script.ResultError
	if errors.As(err, &resErr) {
		return Failed(ReasonResultType,
			fmt.Sprintf("Got a value of type '%s', return deployment_configuration(general = general(...), packages = [...]).", resErr.Got))
	}

	var valErr *deploy.ValidationError
	if errors.As(err, &valErr) {
		return Failed(ReasonResultInvalid, valErr.Problems...)
	}

	var misuse *script.MisuseError
	if errors.As(err, &misuse) {
		return Failed(ReasonMisuse, "details: "+misuse.Details)
	}

	var refErr *script.ReferenceError
	if errors.As(err, &refErr) {
		return Failed(ReasonReferenceMissing+refErr.Path,
			"Make sure the intended path is correct. You may also want to create the directory in your config. file")
	}

	return Failed(ReasonCallException, err.Error())
}
