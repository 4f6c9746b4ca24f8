// Package settings resolves the service settings of ywinfra.
//
// Values are taken, in increasing priority, from defaults, an optional YAML
// settings file, YWINFRA_* environment variables and command-line flags.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by Load
const EnvPrefix = "YWINFRA"

const (
	DefaultAddr           = "127.0.0.1:2001"
	DefaultPIDFile        = "/tmp/ywinfra.pid"
	DefaultHistoryDSN     = "sqlite:ywinfra-history.db"
	DefaultStatusInterval = 30 * time.Second
)

// Keys
const (
	KeyAddr           = "addr"
	KeyConf           = "conf"
	KeyKubeconfig     = "kubeconfig"
	KeyChartBackend   = "chart_backend"
	KeyHelmBinary     = "helm_binary"
	KeyKubectlBinary  = "kubectl_binary"
	KeyPIDFile        = "pid_file"
	KeyHistoryDSN     = "history_dsn"
	KeyWatch          = "watch"
	KeyStatusInterval = "status_interval"
	KeyStatusWebhook  = "status_webhook"
	KeyLogFormat      = "log_format"
	KeyLogLevel       = "log_level"
)

// Settings of a ywinfra process
type Settings struct {
	Addr           string        `mapstructure:"addr"`
	Conf           string        `mapstructure:"conf"`
	Kubeconfig     string        `mapstructure:"kubeconfig"`
	ChartBackend   string        `mapstructure:"chart_backend"`
	HelmBinary     string        `mapstructure:"helm_binary"`
	KubectlBinary  string        `mapstructure:"kubectl_binary"`
	PIDFile        string        `mapstructure:"pid_file"`
	HistoryDSN     string        `mapstructure:"history_dsn"`
	Watch          bool          `mapstructure:"watch"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	StatusWebhook  string        `mapstructure:"status_webhook"`
	LogFormat      string        `mapstructure:"log_format"`
	LogLevel       string        `mapstructure:"log_level"`
}

// flagKeys maps command-line flag names to setting keys
var flagKeys = map[string]string{
	"addr":            KeyAddr,
	"conf":            KeyConf,
	"kubeconfig":      KeyKubeconfig,
	"chart-backend":   KeyChartBackend,
	"helm-binary":     KeyHelmBinary,
	"kubectl-binary":  KeyKubectlBinary,
	"pid-file":        KeyPIDFile,
	"history-dsn":     KeyHistoryDSN,
	"watch":           KeyWatch,
	"status-interval": KeyStatusInterval,
	"status-webhook":  KeyStatusWebhook,
	"log-format":      KeyLogFormat,
	"log-level":       KeyLogLevel,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, DefaultAddr)
	v.SetDefault(KeyConf, "")
	v.SetDefault(KeyKubeconfig, "")
	v.SetDefault(KeyChartBackend, "cli")
	v.SetDefault(KeyHelmBinary, "helm")
	v.SetDefault(KeyKubectlBinary, "kubectl")
	v.SetDefault(KeyPIDFile, DefaultPIDFile)
	v.SetDefault(KeyHistoryDSN, DefaultHistoryDSN)
	v.SetDefault(KeyWatch, false)
	v.SetDefault(KeyStatusInterval, DefaultStatusInterval)
	v.SetDefault(KeyStatusWebhook, "")
	v.SetDefault(KeyLogFormat, "human")
	v.SetDefault(KeyLogLevel, "info")
}

// Load resolves the settings. file may be empty; flags may be nil. Only flags
// that were set on the command line override the other sources.
func Load(file string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read settings %s: %w", file, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks enumerated values
func (s *Settings) Validate() error {
	var errs []string
	switch s.ChartBackend {
	case "cli", "sdk":
	default:
		errs = append(errs, fmt.Sprintf("chart backend must be cli or sdk, got %q", s.ChartBackend))
	}
	switch s.LogFormat {
	case "human", "json":
	default:
		errs = append(errs, fmt.Sprintf("log format must be human or json, got %q", s.LogFormat))
	}
	if s.StatusInterval < 0 {
		errs = append(errs, "status interval must not be negative")
	}
	if len(errs) > 0 {
		return errors.New("invalid settings: " + strings.Join(errs, "; "))
	}
	return nil
}

// AddFlags registers the command-line flags understood by Load
func AddFlags(fs *pflag.FlagSet) {
	fs.String("addr", DefaultAddr, "HTTP address of the API server")
	fs.String("conf", "", "starting configuration script")
	fs.String("kubeconfig", "", "path to the kubeconfig file")
	fs.String("chart-backend", "cli", "chart tool backend (cli or sdk)")
	fs.String("helm-binary", "helm", "helm binary used by the cli backend")
	fs.String("kubectl-binary", "kubectl", "kubectl binary used for the API proxy")
	fs.String("pid-file", DefaultPIDFile, "PID file of the server")
	fs.String("history-dsn", DefaultHistoryDSN, "operation history database")
	fs.Bool("watch", false, "switch again when the active configuration file changes")
	fs.Duration("status-interval", DefaultStatusInterval, "package status poll interval, 0 disables polling")
	fs.String("status-webhook", "", "URL receiving package status changes")
	fs.String("log-format", "human", "log format (human or json)")
	fs.String("log-level", "info", "log level")
}
