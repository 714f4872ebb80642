package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/evalfarm/pkg/client"
	"github.com/psantana5/evalfarm/pkg/config"
	"github.com/psantana5/evalfarm/pkg/logging"
	apitls "github.com/psantana5/evalfarm/pkg/tls"
)

var (
	cfgFile      string
	apiURL       string
	apiToken     string
	apiCA        string
	outputFormat string

	loaded *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "evalfarm",
	Short: "Distributed fitness evaluation work queue",
	Long: `evalfarm evaluates a population of genomes across worker processes on many
machines. The coordinator seeds one unit per genome into a shared store, workers
claim and run them on every track, and the coordinator aggregates fitness once
the generation drains.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.evalfarm/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "operator API URL (default from EVALFARM_API_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig resolves the operator API endpoint and token. The full
// configuration is loaded lazily by the commands that need it.
func initConfig() {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.BindEnv("api_url")
	v.BindEnv("api_token")
	v.BindEnv("api_ca")

	if apiURL == "" {
		apiURL = v.GetString("api_url")
	}
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	apiToken = v.GetString("api_token")
	apiCA = v.GetString("api_ca")
}

// loadConfig reads and validates the configuration once per process
func loadConfig() (*config.Config, error) {
	if loaded != nil {
		return loaded, nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	loaded = cfg
	return cfg, nil
}

func newLogger(cfg *config.Config, component, sub string) (*logging.Logger, error) {
	logger, err := logging.New(cfg.Logging, component, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// GetAPIURL returns the operator API URL with trailing slashes removed
func GetAPIURL() string {
	return strings.TrimRight(apiURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// operatorClient builds an API client carrying the operator token. It trusts
// EVALFARM_API_CA in addition to the system roots.
func operatorClient() (*client.Client, error) {
	opts := []client.Option{client.WithToken(apiToken)}
	if apiCA != "" {
		tlsConfig, err := apitls.ClientConfig(apiCA)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTLS(tlsConfig))
	}
	return client.NewClient(GetAPIURL(), opts...), nil
}

// exitError carries a process exit code out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// ExitCode maps a command error to the process exit code
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return 1
}
