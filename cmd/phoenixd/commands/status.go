package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marmos91/phoenixd/internal/cli/output"
	"github.com/marmos91/phoenixd/pkg/config"
	"github.com/marmos91/phoenixd/pkg/httpserver"
)

var (
	statusAddr    string
	statusOutput  string
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long: `Display the lifecycle phase, pools, registry cache, admission and
in-flight workers of a running server, read from its /status endpoint.

Examples:
  # Server on the configured HTTP address
  phoenixd status

  # Another instance, as JSON
  phoenixd status --addr 10.0.0.5:8069 --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Server address (default: http.interface:http.port from the config)")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "Request timeout")
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	addr := statusAddr
	if addr == "" {
		cfg, err := config.Load(GetConfigFile())
		if err != nil {
			return err
		}
		addr = dialAddress(cfg.HTTP)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()
	status, err := fetchStatus(ctx, http.DefaultClient, "http://"+addr+"/status")
	if err != nil {
		return err
	}

	if format != output.FormatTable {
		return output.Print(cmd.OutOrStdout(), format, status)
	}
	return printStatus(cmd.OutOrStdout(), status)
}

// dialAddress turns the listen address into one a client can reach.
func dialAddress(cfg config.HTTPConfig) string {
	host := cfg.Interface
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

// statusEnvelope mirrors httpserver.Response with a typed payload.
type statusEnvelope struct {
	Status string            `json:"status"`
	Data   httpserver.Status `json:"data"`
	Error  string            `json:"error"`
}

func fetchStatus(ctx context.Context, client *http.Client, url string) (*httpserver.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env statusEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("invalid status response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request failed (HTTP %d): %s", resp.StatusCode, env.Error)
	}
	return &env.Data, nil
}

func printStatus(w io.Writer, s *httpserver.Status) error {
	admission := "unbounded"
	if s.Admission.Capacity > 0 {
		admission = fmt.Sprintf("%d / %d", s.Admission.InFlight, s.Admission.Capacity)
	}
	pairs := [][2]string{
		{"Phase", s.Phase},
		{"PID", strconv.Itoa(s.PID)},
		{"Request workers", admission},
		{"Registry", fmt.Sprintf("%d / %d cached, %s hits, %s misses, %s evictions",
			s.Registry.Entries, s.Registry.Capacity,
			humanize.Comma(int64(s.Registry.Hits)), humanize.Comma(int64(s.Registry.Misses)),
			humanize.Comma(int64(s.Registry.Evictions)))},
	}
	if sv := s.Supervisor; sv != nil {
		pairs = append(pairs,
			[2]string{"Quit signals", strconv.Itoa(sv.QuitSignalsReceived)},
			[2]string{"Restart requested", strconv.FormatBool(sv.RestartRequested)})
		if sv.LimitReachedAt != nil {
			pairs = append(pairs, [2]string{"Limit reached", humanize.Time(*sv.LimitReachedAt)})
		}
	}
	if s.Cron != nil {
		pairs = append(pairs, [2]string{"Cron", fmt.Sprintf("%d workers (%d standby), %s jobs run, %s failed",
			s.Cron.Workers, s.Cron.Standby, humanize.Comma(int64(s.Cron.JobsRun)), humanize.Comma(int64(s.Cron.JobErrors)))})
	}
	_, _ = fmt.Fprintln(w)
	if err := output.PrintPairs(w, pairs); err != nil {
		return err
	}

	pools := output.NewTable("pool", "database", "busy", "idle")
	for _, p := range s.Pools {
		kind := "primary"
		if p.ReadOnly {
			kind = "replica"
		}
		pools.AddRow(kind, fmt.Sprintf("(max %d)", p.MaxConn), strconv.Itoa(p.Busy), strconv.Itoa(p.Idle))
		for _, db := range p.Databases {
			pools.AddRow("", db.Database, strconv.Itoa(db.Busy), strconv.Itoa(db.Idle))
		}
	}
	_, _ = fmt.Fprintln(w)
	if err := output.PrintTable(w, pools); err != nil {
		return err
	}

	if len(s.Slots) > 0 {
		workers := output.NewTable("kind", "worker", "started")
		for _, info := range s.Slots {
			workers.AddRow(string(info.Kind), info.Label, humanize.Time(info.Start))
		}
		_, _ = fmt.Fprintln(w)
		if err := output.PrintTable(w, workers); err != nil {
			return err
		}
	}
	_, _ = fmt.Fprintln(w)
	return nil
}
