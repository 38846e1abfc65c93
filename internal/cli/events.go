package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/featurefactory/internal/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events <pipeline-id>",
	Short: "Stream a pipeline's event log until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		c, err := newClient()
		if err != nil {
			return err
		}
		resp, err := c.request(cmd.Context(), http.MethodGet, "/api/pipelines/"+args[0]+"/events", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		return readStream(resp.Body, func(ev events.Event, raw string) bool {
			if ev.Type == events.Done {
				return false
			}
			if format == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), raw)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
			}
			return true
		})
	},
}

// readStream parses a Server-Sent Events body and calls fn for each event
// until fn returns false or the stream ends.
func readStream(r io.Reader, fn func(ev events.Event, raw string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			raw := data.String()
			data.Reset()
			var ev events.Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if !fn(ev, raw) {
				return nil
			}
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

// formatEvent renders one event as a single line.
func formatEvent(ev events.Event) string {
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := ev.Data[k]
		if s, ok := v.(string); ok {
			v = shorten(s, 80)
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return fmt.Sprintf("%s  %-22s %s", ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, strings.Join(parts, " "))
}

func init() {
	eventsCmd.Flags().String("format", "text", "Output format: text or json")
}
