package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jgoldverg/fedpool/backend/delivery"
	"github.com/jgoldverg/fedpool/backend/ghttp"
	"github.com/jgoldverg/fedpool/cli/output"
	"github.com/jgoldverg/fedpool/internal"
	"github.com/jgoldverg/fedpool/pkg/metrics"
	"github.com/spf13/cobra"
)

type DeliverCommandOpts struct {
	Inboxes      []string
	Body         string
	BodyFile     string
	ContentType  string
	Headers      []string
	PlanFile     string
	Concurrency  int
	ServeMetrics string
	Live         bool
}

func DeliverCommand() *cobra.Command {
	var opts DeliverCommandOpts
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "POST a payload to one or more inboxes",
		Long:  "Deliver a payload (via --body/--body-file) to every --inbox, or every delivery listed in a --plan file, through one shared connection pool.",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtimeOpts := opts
			return runDeliverCommand(cmd, &runtimeOpts)
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&opts.Inboxes, "inbox", nil, "Inbox URL to deliver to (repeatable)")
	f.StringVar(&opts.Body, "body", "", "Inline payload")
	f.StringVar(&opts.BodyFile, "body-file", "", "Read the payload from a file ('-' for stdin)")
	f.StringVar(&opts.ContentType, "content-type", delivery.DefaultContentType, "Content-Type header")
	f.StringArrayVarP(&opts.Headers, "header", "H", nil, "Extra header in 'Name: value' form (repeatable)")
	f.StringVar(&opts.PlanFile, "plan", "", "Plan file (YAML/JSON) listing deliveries")
	f.IntVar(&opts.Concurrency, "concurrency", 0, "Override the configured number of delivery workers")
	f.StringVar(&opts.ServeMetrics, "serve-metrics", "", "Expose Prometheus metrics on this address while delivering")
	f.Lookup("serve-metrics").NoOptDefVal = "use-config"
	f.BoolVar(&opts.Live, "live", false, "Show a live pool dashboard")
	return cmd
}

func runDeliverCommand(cmd *cobra.Command, opts *DeliverCommandOpts) error {
	cfg := GetDeliveryConfig(cmd)
	if cfg == nil {
		return fmt.Errorf("delivery config unavailable")
	}
	cfgCopy := *cfg

	jobs, err := collectJobs(opts, &cfgCopy)
	if err != nil {
		return err
	}
	if opts.Concurrency > 0 {
		cfgCopy.Concurrency = opts.Concurrency
	}
	if err := cfgCopy.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewPoolCollector("")
	rp, err := ghttp.NewRequestPool(requestPoolConfig(&cfgCopy), collector)
	if err != nil {
		return err
	}
	defer func() {
		if err := rp.Shutdown(); err != nil {
			internal.Warn("closing connections", internal.Fields{internal.FieldError: err.Error()})
		}
	}()

	if addr := metricsAddr(opts.ServeMetrics, cfgCopy.MetricsAddr); addr != "" {
		shutdown, err := serveMetrics(addr, collector)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	var finished atomic.Int64
	deliverer := delivery.NewDeliverer(rp, delivery.Options{
		Concurrency:  cfgCopy.Concurrency,
		MaxRetries:   cfgCopy.MaxRetries,
		RetryBackoff: cfgCopy.RetryBackoff(),
		UserAgent:    cfgCopy.UserAgent,
		OnResult: func(delivery.Result) {
			finished.Add(1)
		},
	}, collector)

	if opts.Live {
		display := output.NewPoolDisplay("fedpool", collector, func() (int, int) {
			return int(finished.Load()), len(jobs)
		})
		if err := display.Start(ctx); err != nil {
			return err
		}
		defer display.Stop()
	}

	internal.Info("starting deliveries", internal.Fields{
		internal.FieldCount:    len(jobs),
		internal.FieldPoolSize: cfgCopy.PoolSize,
	})
	results := deliverer.DeliverAll(ctx, jobs)

	if err := output.PrintResults(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	summary := output.Summarize(results)
	if summary.Failed() > 0 {
		return fmt.Errorf("%d of %d deliveries failed", summary.Failed(), len(results))
	}
	return nil
}

func requestPoolConfig(cfg *internal.DeliveryConfig) ghttp.RequestPoolConfig {
	return ghttp.RequestPoolConfig{
		Size:         cfg.PoolSize,
		WaitTimeout:  cfg.WaitTimeout(),
		ReclaimIdle:  cfg.ReclaimIdle,
		MaxIdleTime:  cfg.MaxIdleTime(),
		ReapInterval: cfg.ReapInterval(),
		Connection: ghttp.ConnectionOptions{
			RequestTimeout: cfg.RequestTimeout(),
		},
	}
}

func collectJobs(opts *DeliverCommandOpts, cfg *internal.DeliveryConfig) ([]delivery.Job, error) {
	var jobs []delivery.Job
	if opts.PlanFile != "" {
		doc, err := loadDeliveryPlanDocument(opts.PlanFile)
		if err != nil {
			return nil, err
		}
		planJobs, err := doc.toJobs()
		if err != nil {
			return nil, err
		}
		applyPlanParams(cfg, doc.Params)
		jobs = append(jobs, planJobs...)
	}

	if len(opts.Inboxes) > 0 {
		body, err := readBody(opts.Body, opts.BodyFile)
		if err != nil {
			return nil, err
		}
		headers, err := parseHeaders(opts.Headers)
		if err != nil {
			return nil, err
		}
		for _, inbox := range splitNonEmpty(opts.Inboxes) {
			job := delivery.NewJob(inbox, body)
			job.ContentType = opts.ContentType
			job.Headers = headers
			jobs = append(jobs, job)
		}
	}

	if len(jobs) == 0 {
		return nil, errors.New("nothing to deliver: pass --inbox or --plan")
	}
	return jobs, nil
}

func readBody(inline, file string) ([]byte, error) {
	switch {
	case inline != "" && file != "":
		return nil, errors.New("use either --body or --body-file")
	case file == "-":
		return readAllStdin()
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read body file: %w", err)
		}
		return data, nil
	}
	return []byte(inline), nil
}

func readAllStdin() ([]byte, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read body from stdin: %w", err)
	}
	return data, nil
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		headers[http.CanonicalHeaderKey(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}

func metricsAddr(flag, configured string) string {
	switch strings.TrimSpace(flag) {
	case "":
		return ""
	case "use-config":
		if configured == "" {
			return "127.0.0.1:9464"
		}
		return configured
	default:
		return flag
	}
}

// serveMetrics starts a /metrics listener and returns its shutdown func.
func serveMetrics(addr string, collector *metrics.PoolCollector) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			internal.Error("metrics server stopped", internal.Fields{internal.FieldError: err.Error()})
		}
	}()
	internal.Info("serving metrics", internal.Fields{internal.FieldAddr: ln.Addr().String()})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
