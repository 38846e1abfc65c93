package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/featurefactory/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage phase prompt templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in prompt templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range prompt.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var templatesInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Copy the built-in templates into the templates directory for editing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := templatesDir(cfg)
		written, err := prompt.NewRenderer(dir).Install()
		if err != nil {
			return err
		}
		if len(written) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "all templates already present in %s\n", dir)
			return nil
		}
		for _, name := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", name)
		}
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesInstallCmd)
}
