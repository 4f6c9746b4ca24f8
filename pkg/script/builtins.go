package script

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/youwol/ywinfra/pkg/deploy"
	"go.starlark.net/starlark"
)

// DefaultOpenIDRealm is the realm used when a script does not set open_id_realm
const DefaultOpenIDRealm = "youwol"

// predeclared returns the builtins of a script living in dir
func predeclared(dir string) starlark.StringDict {
	b := &builtins{dir: dir}
	return starlark.StringDict{
		"general":                  starlark.NewBuiltin("general", b.general),
		"helm_package":             starlark.NewBuiltin("helm_package", b.helmPackage),
		"deployment":               starlark.NewBuiltin("deployment", b.deployment),
		"deployment_configuration": starlark.NewBuiltin("deployment_configuration", b.deploymentConfiguration),
		"home":                     starlark.NewBuiltin("home", b.home),
		"script_dir":               starlark.NewBuiltin("script_dir", b.scriptDir),
		"path_join":                starlark.NewBuiltin("path_join", b.pathJoin),
		"getenv":                   starlark.NewBuiltin("getenv", b.getenv),
		"file_exists":              starlark.NewBuiltin("file_exists", b.fileExists),
		"require_file":             starlark.NewBuiltin("require_file", b.requireFile),
	}
}

type builtins struct {
	dir string
}

// resolve makes p absolute relative to the script folder
func (b *builtins) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(b.dir, p)
}

func (b *builtins) general(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		contextName, openIDHost, secretsFolder string
		proxyPort                              int
		openIDRealm                            = DefaultOpenIDRealm
	)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"context_name", &contextName,
		"proxy_port", &proxyPort,
		"open_id_host?", &openIDHost,
		"open_id_realm?", &openIDRealm,
		"secrets_folder?", &secretsFolder,
	); err != nil {
		return nil, schemaError(err)
	}
	return &generalValue{g: deploy.General{
		ContextName:   contextName,
		ProxyPort:     proxyPort,
		OpenIDHost:    openIDHost,
		OpenIDRealm:   openIDRealm,
		SecretsFolder: b.resolve(secretsFolder),
	}}, nil
}

func (b *builtins) helmPackage(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name, namespace, chartFolder, valuesFile string
		withValues, secrets                      *starlark.Dict
		timeout                                  = int(deploy.DefaultChartTimeout.Seconds())
	)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"name", &name,
		"namespace", &namespace,
		"chart_folder?", &chartFolder,
		"values_file?", &valuesFile,
		"with_values?", &withValues,
		"secrets?", &secrets,
		"timeout?", &timeout,
	); err != nil {
		return nil, schemaError(err)
	}

	p := deploy.NewHelmPackage(name, namespace, b.resolve(chartFolder))
	if valuesFile != "" {
		p.ValuesFile = b.resolve(valuesFile)
	}
	if timeout > 0 {
		p.Timeout = time.Duration(timeout) * time.Second
	}

	if withValues != nil {
		values, err := toGoMap(withValues)
		if err != nil {
			return nil, &deploy.ValidationError{Problems: []string{fmt.Sprintf("helm_package %s/%s: with_values: %v", namespace, name, err)}}
		}
		p.WithValues = values
	}

	if secrets != nil {
		p.Secrets = make(map[string]string, secrets.Len())
		for _, item := range secrets.Items() {
			k, kok := starlark.AsString(item[0])
			v, vok := starlark.AsString(item[1])
			if !kok || !vok {
				return nil, &deploy.ValidationError{Problems: []string{fmt.Sprintf("helm_package %s/%s: secrets must map names to file paths", namespace, name)}}
			}
			p.Secrets[k] = b.resolve(v)
		}
	}

	return &packageValue{pkg: p}, nil
}

func (b *builtins) deployment(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, namespace, url, path string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"name", &name,
		"namespace", &namespace,
		"url?", &url,
		"path?", &path,
	); err != nil {
		return nil, schemaError(err)
	}
	return &packageValue{pkg: deploy.NewDeployment(name, namespace, url, b.resolve(path))}, nil
}

func (b *builtins) deploymentConfiguration(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		general  starlark.Value
		packages starlark.Iterable
	)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"general", &general,
		"packages?", &packages,
	); err != nil {
		return nil, schemaError(err)
	}

	g, ok := general.(*generalValue)
	if !ok {
		return nil, &deploy.ValidationError{Problems: []string{fmt.Sprintf("general must be a general(...) value, got %s", general.Type())}}
	}

	cv := &configValue{general: g.g}
	if packages == nil {
		return cv, nil
	}

	iter := packages.Iterate()
	defer iter.Done()
	var item starlark.Value
	for i := 0; iter.Next(&item); i++ {
		pv, ok := item.(*packageValue)
		if !ok {
			return nil, &deploy.ValidationError{Problems: []string{fmt.Sprintf("packages[%d] must be a helm_package(...) or deployment(...) value, got %s", i, item.Type())}}
		}
		cv.packages = append(cv.packages, pv.pkg)
	}
	return cv, nil
}

func (b *builtins) home(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("home: %w", err)
	}
	return starlark.String(dir), nil
}

func (b *builtins) scriptDir(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.String(b.dir), nil
}

func (b *builtins) pathJoin(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", fn.Name())
	}
	parts := make([]string, 0, len(args))
	for i, a := range args {
		s, ok := starlark.AsString(a)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is a %s, not a string", fn.Name(), i, a.Type())
		}
		parts = append(parts, s)
	}
	return starlark.String(filepath.Join(parts...)), nil
}

func (b *builtins) getenv(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, def string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv(name); ok {
		return starlark.String(v), nil
	}
	return starlark.String(def), nil
}

func (b *builtins) fileExists(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	_, err := os.Stat(b.resolve(path))
	return starlark.Bool(err == nil), nil
}

func (b *builtins) requireFile(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	resolved := b.resolve(path)
	if _, err := os.Stat(resolved); err != nil {
		return nil, &ReferenceError{Path: resolved}
	}
	return starlark.String(resolved), nil
}

// schemaError reports a bad argument to a configuration constructor as a
// problem of the returned configuration
func schemaError(err error) error {
	return &deploy.ValidationError{Problems: []string{err.Error()}}
}

// toGoMap converts a dict of override values, rejecting lists and other
// values that have no --set representation
func toGoMap(d *starlark.Dict) (map[string]any, error) {
	out := make(map[string]any, d.Len())
	for _, item := range d.Items() {
		k, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("keys must be strings, got %s", item[0].Type())
		}
		v, err := toGo(item[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func toGo(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", x.String())
		}
		return i, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case *starlark.Dict:
		return toGoMap(x)
	default:
		return nil, fmt.Errorf("unsupported value of type %s", v.Type())
	}
}

type generalValue struct {
	g deploy.General
}

var _ starlark.HasAttrs = (*generalValue)(nil)

func (v *generalValue) String() string {
	return fmt.Sprintf("general(context_name=%q, proxy_port=%d)", v.g.ContextName, v.g.ProxyPort)
}
func (v *generalValue) Type() string          { return "general" }
func (v *generalValue) Freeze()               {}
func (v *generalValue) Truth() starlark.Bool  { return starlark.True }
func (v *generalValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", v.Type()) }

func (v *generalValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "context_name":
		return starlark.String(v.g.ContextName), nil
	case "proxy_port":
		return starlark.MakeInt(v.g.ProxyPort), nil
	case "open_id_host":
		return starlark.String(v.g.OpenIDHost), nil
	case "open_id_realm":
		return starlark.String(v.g.OpenIDRealm), nil
	case "secrets_folder":
		return starlark.String(v.g.SecretsFolder), nil
	}
	return nil, nil
}

func (v *generalValue) AttrNames() []string {
	return []string{"context_name", "open_id_host", "open_id_realm", "proxy_port", "secrets_folder"}
}

type packageValue struct {
	pkg deploy.Package
}

var _ starlark.HasAttrs = (*packageValue)(nil)

func (v *packageValue) String() string {
	return fmt.Sprintf("%s(%s)", v.pkg.Kind(), v.pkg.Ref())
}
func (v *packageValue) Type() string          { return "package" }
func (v *packageValue) Freeze()               {}
func (v *packageValue) Truth() starlark.Bool  { return starlark.True }
func (v *packageValue) Hash() (uint32, error) { return starlark.String(v.pkg.Ref().String()).Hash() }

func (v *packageValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(v.pkg.Ref().Name), nil
	case "namespace":
		return starlark.String(v.pkg.Ref().Namespace), nil
	case "kind":
		return starlark.String(v.pkg.Kind()), nil
	}
	return nil, nil
}

func (v *packageValue) AttrNames() []string {
	return []string{"kind", "name", "namespace"}
}

type configValue struct {
	general  deploy.General
	packages []deploy.Package
}

func (v *configValue) String() string {
	return fmt.Sprintf("deployment_configuration(context_name=%q, packages=%d)", v.general.ContextName, len(v.packages))
}
func (v *configValue) Type() string          { return "deployment_configuration" }
func (v *configValue) Freeze()               {}
func (v *configValue) Truth() starlark.Bool  { return starlark.True }
func (v *configValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", v.Type()) }

func (v *configValue) configuration() *deploy.Configuration {
	return deploy.NewConfiguration(v.general, v.packages)
}
