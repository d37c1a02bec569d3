package main

import (
	"os"
	"strings"

	"github.com/DrC0ns0le/net-speedtest/internal/config"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	debug   bool

	cfg    config.Config
	logger = logging.NewDefaultLogger()
)

var rootCmd = &cobra.Command{
	Use:          "speedtest",
	Short:        "Measure bandwidth, latency and jitter over TCP, UDP and ICMP",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(viper.GetViper())
		if err != nil {
			return err
		}

		level := cfg.Logging.Level
		if debug {
			level = "debug"
		}
		logger = logging.New(logging.Config{Level: level, Format: cfg.Logging.Format})
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default ./speedtest.yaml)")
	flags.BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	flags.StringP("interface", "i", "", "bind measurement traffic to this interface")
	flags.StringSlice("protocols", nil, "protocols to test (tcp, udp, icmp)")
	flags.Int("concurrency", 0, "role/protocol passes run at once")
	flags.String("log-format", "", "log format (text or json)")

	v := viper.GetViper()
	_ = v.BindPFlag("interface", flags.Lookup("interface"))
	_ = v.BindPFlag("protocols", flags.Lookup("protocols"))
	_ = v.BindPFlag("concurrency", flags.Lookup("concurrency"))
	_ = v.BindPFlag("logging.format", flags.Lookup("log-format"))

	configureEnv(v)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
}

// configureEnv maps keys such as elastic.password to SPEEDTEST_ELASTIC_PASSWORD.
func configureEnv(v *viper.Viper) {
	v.SetEnvPrefix("SPEEDTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// loadConfig finds the config file, parses it with the typed loader and
// applies flag and SPEEDTEST_* environment overrides. A missing default
// config file is not an error.
func loadConfig(v *viper.Viper) (config.Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("speedtest")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.speedtest")
		v.AddConfigPath("/etc/speedtest/")
	}

	c := config.Default()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config.Config{}, errors.Wrap(err, "read config")
		}
	} else {
		c, err = config.Load(v.ConfigFileUsed())
		if err != nil {
			return config.Config{}, err
		}
	}

	applyOverrides(&c, v)
	if err := c.Validate(); err != nil {
		return config.Config{}, errors.Wrap(err, "invalid config")
	}
	return c, nil
}

func applyOverrides(c *config.Config, v *viper.Viper) {
	if v.IsSet("interface") {
		c.Interface = v.GetString("interface")
	}
	if v.IsSet("protocols") {
		if p := v.GetStringSlice("protocols"); len(p) > 0 {
			c.Protocols = p
		}
	}
	if v.IsSet("concurrency") {
		if n := v.GetInt("concurrency"); n > 0 {
			c.Concurrency = n
		}
	}
	if v.IsSet("logging.level") {
		c.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("logging.format") {
		if f := v.GetString("logging.format"); f != "" {
			c.Logging.Format = f
		}
	}
	if v.IsSet("elastic.username") {
		c.Elastic.Username = v.GetString("elastic.username")
	}
	if v.IsSet("elastic.password") {
		c.Elastic.Password = v.GetString("elastic.password")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
