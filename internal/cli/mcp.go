package cli

import (
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/featurefactory/internal/logging"
	"github.com/lucasnoah/featurefactory/internal/pipeline"
	"github.com/lucasnoah/featurefactory/internal/workflow"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the workflow tools over stdio for an externally launched agent",
	Long: `Serve the workflow tools (start_requirement, complete_requirement,
set_requirements, report_test_result, ...) for one pipeline over MCP on
stdin/stdout.

The tools mutate the pipeline state in the data directory directly, so do not
run this against a data directory a factory server is using. Logs go to
stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("pipeline")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		store := pipeline.NewStore(cfg.DataDir, pipeline.WithLogger(log))
		if err := store.Load(); err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		if _, ok := store.Get(id); !ok {
			return fmt.Errorf("pipeline %s: %w", id, pipeline.ErrNotFound)
		}

		log.Info("serving workflow tools over stdio", logging.PipelineID(id))
		server := workflow.NewServer(workflow.NewBridge(store, id, log), version)
		if err := server.Run(cmd.Context(), &mcp.StdioTransport{}); err != nil {
			log.Debug("mcp server stopped", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	mcpCmd.Flags().String("pipeline", "", "pipeline id the tools report against")
	_ = mcpCmd.MarkFlagRequired("pipeline")
}
