package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jgoldverg/fedpool/backend/delivery"
	"github.com/jgoldverg/fedpool/internal"
	"github.com/jgoldverg/fedpool/pkg/metrics"
	"github.com/pterm/pterm"
)

// Summary counts results per outcome.
type Summary struct {
	Delivered int
	Rejected  int
	GaveUp    int
}

func Summarize(results []delivery.Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.Outcome {
		case metrics.OutcomeDelivered:
			s.Delivered++
		case metrics.OutcomeRejected:
			s.Rejected++
		default:
			s.GaveUp++
		}
	}
	return s
}

func (s Summary) Failed() int {
	return s.Rejected + s.GaveUp
}

func resultsTable(results []delivery.Result) pterm.TableData {
	data := pterm.TableData{
		{"Inbox", "Outcome", "Status", "Attempts", "Duration", "Error"},
	}
	for _, r := range results {
		status := "--"
		if r.Status > 0 {
			status = fmt.Sprintf("%d", r.Status)
		}
		errText := ""
		if r.Err != nil {
			errText = truncate(r.Err.Error(), 60)
		}
		data = append(data, []string{
			r.Inbox,
			r.Outcome,
			status,
			fmt.Sprintf("%d", r.Attempts),
			formatDuration(r.Duration),
			errText,
		})
	}
	return data
}

// PrintResults renders one row per delivery followed by a summary line.
func PrintResults(w io.Writer, results []delivery.Result) error {
	if w == nil {
		w = os.Stdout
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(resultsTable(results)).Srender()
	if err != nil {
		return err
	}
	s := Summarize(results)
	_, err = fmt.Fprintf(w, "%s\n%d delivered, %d rejected, %d gave up\n", table, s.Delivered, s.Rejected, s.GaveUp)
	return err
}

func PrintConfig(path string, cfg *internal.DeliveryConfig) error {
	data := pterm.TableData{
		{"Key", "Value"},
		{"config", path},
		{"pool_size", fmt.Sprintf("%d", cfg.PoolSize)},
		{"wait_timeout_ms", fmt.Sprintf("%d", cfg.WaitTimeoutMs)},
		{"reclaim_idle", fmt.Sprintf("%t", cfg.ReclaimIdle)},
		{"max_idle_time_secs", fmt.Sprintf("%d", cfg.MaxIdleTimeSecs)},
		{"reap_interval_secs", fmt.Sprintf("%d", cfg.ReapIntervalSecs)},
		{"request_timeout_ms", fmt.Sprintf("%d", cfg.RequestTimeoutMs)},
		{"concurrency", fmt.Sprintf("%d", cfg.Concurrency)},
		{"max_retries", fmt.Sprintf("%d", cfg.MaxRetries)},
		{"retry_backoff_ms", fmt.Sprintf("%d", cfg.RetryBackoffMs)},
		{"user_agent", cfg.UserAgent},
		{"instance_id", cfg.InstanceID},
		{"log_level", cfg.LogLevel},
		{"metrics_addr", cfg.MetricsAddr},
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
