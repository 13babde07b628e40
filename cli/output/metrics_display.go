package output

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jgoldverg/fedpool/pkg/metrics"
	"github.com/pterm/pterm"
)

// Progress reports finished and total deliveries.
type Progress func() (done, total int)

// PoolDisplay renders live pool occupancy using pterm primitives.
type PoolDisplay struct {
	title     string
	collector *metrics.PoolCollector
	progress  Progress
	interval  time.Duration
	started   time.Time

	mu     sync.Mutex
	area   *pterm.AreaPrinter
	ticker *time.Ticker
	cancel context.CancelFunc
	active bool
	writer io.Writer
}

func NewPoolDisplay(title string, collector *metrics.PoolCollector, progress Progress) *PoolDisplay {
	if strings.TrimSpace(title) == "" {
		title = "Delivery Pool"
	}
	return &PoolDisplay{
		title:     title,
		collector: collector,
		progress:  progress,
		interval:  500 * time.Millisecond,
	}
}

// WithWriter renders into w instead of a pterm area.
func (d *PoolDisplay) WithWriter(w io.Writer) *PoolDisplay {
	d.writer = w
	return d
}

// Start begins rendering the live board. No-op when collector is nil.
func (d *PoolDisplay) Start(ctx context.Context) error {
	if d == nil || d.collector == nil || d.active {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.ticker = time.NewTicker(d.interval)
	d.cancel = cancel
	d.active = true
	d.started = time.Now()
	useArea := d.writer == nil
	d.mu.Unlock()

	if useArea {
		area, err := pterm.DefaultArea.WithRemoveWhenDone(true).Start()
		if err != nil {
			d.cleanup()
			return err
		}
		d.mu.Lock()
		d.area = area
		d.mu.Unlock()
	}

	go d.loop(ctx)
	return nil
}

func (d *PoolDisplay) loop(ctx context.Context) {
	d.render()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.ticker.C:
			d.render()
		}
	}
}

func (d *PoolDisplay) Stop() {
	if d == nil {
		return
	}
	d.cleanup()
}

func (d *PoolDisplay) cleanup() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return false
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.ticker != nil {
		d.ticker.Stop()
	}
	if d.area != nil {
		_ = d.area.Stop()
	}
	d.area = nil
	d.ticker = nil
	d.cancel = nil
	d.active = false
	return true
}

func (d *PoolDisplay) render() {
	content := d.renderContent(d.collector.Snapshot())

	d.mu.Lock()
	area := d.area
	writer := d.writer
	d.mu.Unlock()
	switch {
	case writer != nil:
		_, _ = fmt.Fprintf(writer, "%s\r", content)
	case area != nil:
		area.Update(content)
	}
}

func (d *PoolDisplay) renderContent(snap metrics.PoolSnapshot) string {
	header := pterm.DefaultHeader.
		WithBackgroundStyle(pterm.NewStyle(pterm.BgBlue)).
		WithTextStyle(pterm.NewStyle(pterm.FgLightWhite, pterm.Bold)).
		WithFullWidth().
		Sprint(d.title)

	meta := "Elapsed: " + formatDuration(time.Since(d.started))
	if d.progress != nil {
		done, total := d.progress()
		meta += fmt.Sprintf("    Delivered: %d/%d", done, total)
	}
	return fmt.Sprintf("%s\n%s\n%s", header, poolTable(snap), meta)
}

func poolTable(snap metrics.PoolSnapshot) string {
	data := pterm.TableData{
		{"Metric", "Value"},
		{"Ceiling", fmt.Sprintf("%d", snap.Size)},
		{"Open", fmt.Sprintf("%d (%s)", snap.Open, formatPercent(ratioOrZero(float64(snap.Open), float64(snap.Size))))},
		{"In Use", fmt.Sprintf("%d", snap.Open-snap.Idle)},
		{"Idle", fmt.Sprintf("%d", snap.Idle)},
		{"Sites", fmt.Sprintf("%d", snap.Sites)},
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return table
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	if d < time.Second {
		return fmt.Sprintf("%d ms", d.Milliseconds())
	}
	return d.Truncate(100 * time.Millisecond).String()
}

func formatPercent(ratio float64) string {
	if ratio <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", ratio*100)
}

func ratioOrZero(num, denom float64) float64 {
	if denom <= 0 {
		return 0
	}
	return num / denom
}
