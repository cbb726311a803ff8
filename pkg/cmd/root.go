package cmd

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tracebus/tracebus/pkg/cmd/publish"
	"github.com/tracebus/tracebus/pkg/cmd/serve"
	"github.com/tracebus/tracebus/pkg/config"
)

func init() {
	// debug flag
	pflag.BoolVar(&config.Debug, "debug", false, "Enable debug mode")
}

// NewViper creates a new viper instance configured.
func NewViper() *viper.Viper {
	vp := viper.New()

	// read config from a file
	vp.SetConfigName("config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")

	// read config from environment variables
	vp.SetEnvPrefix("tracebus") // env var must start with TRACEBUS_
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vp.AutomaticEnv()

	vp.SetDefault("broker-url", config.DefaultBrokerURL)
	vp.SetDefault("queue", config.DefaultQueue)
	vp.SetDefault("source", config.DefaultSource)
	vp.SetDefault("metrics-addr", config.DefaultMetricsAddr)
	vp.SetDefault("exporter", "stdout")
	return vp
}

func New(vp *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "tracebus",
		Short: "tracebus",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if config.Debug {
				logrus.SetLevel(logrus.DebugLevel)
				logrus.Info("enabled debug mode")
			}
			return nil
		},
	}
	root.PersistentFlags().AddFlagSet(pflag.CommandLine)
	return root
}

func Execute() {
	vp := NewViper()

	root := New(vp)
	root.AddCommand(serve.New(vp))
	root.AddCommand(publish.New(vp))

	err := root.Execute()
	if err != nil {
		os.Exit(1)
	}
}
