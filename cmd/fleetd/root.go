package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cdpkit/fleet/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "Headless browser fleet daemon",
	Long: `fleetd runs a pool of headless browser processes and dispatches tasks to
them through a priority queue, with health checks, failover and metrics.

Configuration is read from a YAML file, FLEET_* environment variables
(for example FLEET_POOL_MAX_SIZE=8) and command line flags, in increasing
order of precedence.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: ./fleet.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("executable", "", "Browser executable (default: search PATH)")
	rootCmd.PersistentFlags().Int("pool-size", 0, "Initial number of browser instances")
	rootCmd.PersistentFlags().String("strategy", "", "Balance strategy (round_robin, least_loaded, performance, random)")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("launcher.executable_path", rootCmd.PersistentFlags().Lookup("executable"))
	_ = viper.BindPFlag("pool.initial_size", rootCmd.PersistentFlags().Lookup("pool-size"))
	_ = viper.BindPFlag("pool.strategy", rootCmd.PersistentFlags().Lookup("strategy"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// configFileUsed is set when a config file was found and read
var configFileUsed bool

func initConfig() {
	if cfgFile := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/fleet")
		viper.SetConfigName("fleet")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("FLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file (ignore error if not found)
	configFileUsed = viper.ReadInConfig() == nil
}

// loadConfig decodes the effective configuration from v over the defaults
func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg := config.Default()

	if err := registerDefaults(v, cfg); err != nil {
		return config.Config{}, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// registerDefaults makes every key known to v so that environment
// variables can override keys absent from the config file
func registerDefaults(v *viper.Viper, cfg config.Config) error {
	raw, err := cfg.Marshal()
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("decode defaults: %w", err)
	}

	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, val := range node {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if child, ok := val.(map[string]any); ok {
				walk(key, child)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	return nil
}
