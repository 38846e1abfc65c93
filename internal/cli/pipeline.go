package cli

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/featurefactory/internal/pipeline"
	"github.com/lucasnoah/featurefactory/internal/web"
)

var createCmd = &cobra.Command{
	Use:   "create <prompt>",
	Short: "Start a pipeline for a feature request",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		c, err := newClient()
		if err != nil {
			return err
		}
		var p pipeline.Pipeline
		err = c.do(cmd.Context(), http.MethodPost, "/api/pipelines",
			web.CreateRequest{Prompt: strings.Join(args, " "), TargetPath: target}, &p)
		if isStatus(err, http.StatusConflict) {
			return errors.New("another pipeline is active; abort it or wait for it to finish")
		}
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, p)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created pipeline %s (%s)\n", p.ID, p.Status)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var resp web.ListResponse
		if err := c.do(cmd.Context(), http.MethodGet, "/api/pipelines", nil, &resp); err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, resp)
		}
		if len(resp.Pipelines) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pipelines found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPHASE\tREQS\tDONE\tFAILED\tUPDATED\tPROMPT")
		for _, p := range resp.Pipelines {
			id := p.ID
			if p.IsActive {
				id += "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				id, p.Status, p.Phase, p.RequirementsCount, p.CompletedCount, p.FailedCount,
				p.UpdatedAt.Local().Format(time.DateTime), shorten(p.Prompt, 40))
		}
		return w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <pipeline-id>",
	Short: "Show detailed pipeline status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var p pipeline.Pipeline
		if err := c.do(cmd.Context(), http.MethodGet, "/api/pipelines/"+args[0], nil, &p); err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, p)
		}
		printStatus(cmd, &p)
		return nil
	},
}

func printStatus(cmd *cobra.Command, p *pipeline.Pipeline) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pipeline:  %s\n", p.ID)
	fmt.Fprintf(out, "Prompt:    %s\n", shorten(p.Prompt, 72))
	fmt.Fprintf(out, "Status:    %s\n", p.Status)
	if p.Partial {
		fmt.Fprintln(out, "Partial:   yes")
	}
	fmt.Fprintf(out, "Phase:     %s (requirement %d/%d, retry %d)\n",
		p.Phase.Current, min(p.Phase.RequirementIndex+1, p.Phase.TotalRequirements),
		p.Phase.TotalRequirements, p.Phase.RetryCount)
	if p.TargetPath != "" {
		fmt.Fprintf(out, "Target:    %s\n", p.TargetPath)
	}
	if p.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", p.Error)
	}
	if p.PendingInput != nil {
		fmt.Fprintln(out, "\nAwaiting input:")
		for _, q := range p.PendingInput.Questions {
			fmt.Fprintf(out, "  - %s\n", q)
		}
	}
	if len(p.Requirements) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQ\tSTATUS\tPRIORITY\tTITLE")
	for _, r := range p.Requirements {
		title := r.Title
		if r.FailureReason != "" {
			title += " (" + shorten(r.FailureReason, 40) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Status, r.Priority, title)
	}
	w.Flush()
}

// controlCmd builds a command that posts to /api/pipelines/<id>/<op>.
func controlCmd(op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <pipeline-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp web.ControlResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/pipelines/"+args[0]+"/"+op, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.ID, resp.Status)
			return nil
		},
	}
}

var (
	pauseCmd  = controlCmd("pause", "Pause a pipeline at its next checkpoint")
	abortCmd  = controlCmd("abort", "Abort a pipeline immediately")
	resumeCmd = controlCmd("resume", "Resume a paused pipeline")
	goCmd     = controlCmd("go", "Resume a pipeline that is not running, e.g. after a restart")
)

var answerCmd = &cobra.Command{
	Use:   "answer <pipeline-id> <answer>",
	Short: "Answer the agent's questions and resume the pipeline",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var resp web.ControlResponse
		body := web.InputRequest{Answer: strings.Join(args[1:], " ")}
		if err := c.do(cmd.Context(), http.MethodPost, "/api/pipelines/"+args[0]+"/input", body, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.ID, resp.Status)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Stop every pipeline and delete all pipeline state (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("refusing to clear without --yes")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		var resp web.ClearResponse
		if err := c.do(cmd.Context(), http.MethodDelete, "/api/pipelines", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %d pipeline(s)\n", resp.Cleared)
		return nil
	},
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	createCmd.Flags().String("target", "", "directory the agent works in")
	createCmd.Flags().String("format", "text", "Output format: text or json")
	listCmd.Flags().String("format", "text", "Output format: text or json")
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	clearCmd.Flags().Bool("yes", false, "confirm deletion")
}
