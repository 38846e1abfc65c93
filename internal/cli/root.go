package cli

import (
	"github.com/spf13/cobra"

	"github.com/lucasnoah/featurefactory/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "factory",
	Short: "featurefactory: turn a feature request into tested code",
	Long: `featurefactory drives a coding agent through qa, exploring, planning,
executing and testing phases for each requirement of a feature request.

"factory serve" owns the pipeline state under the data directory (~/.factory
by default) and exposes it over HTTP. The other commands are clients of
that server.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the --config file, or the default locations.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./factory.yaml or ~/.factory/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "factory server URL (default from server.host and server.port)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(goCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(templatesCmd)
}
