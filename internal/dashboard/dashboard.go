// Package dashboard renders a live terminal view of a running load test.
package dashboard

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/torosent/brokerload/internal/broker"
	"github.com/torosent/brokerload/internal/metrics"
)

const (
	refreshInterval = 500 * time.Millisecond
	historyLength   = 120
)

// methodOrder fixes the sparkline and table order.
var methodOrder = []broker.Method{broker.MethodPublish, broker.MethodFetch, broker.MethodSubscribe}

// TestConfig describes the run for the header panel.
type TestConfig struct {
	Target      string
	Subject     string
	Scenarios   int
	Actors      int
	Duration    time.Duration // longest scenario window, 0 when iteration bound
	Timeout     time.Duration
	StatusCheck string
	TLS         bool
	ConfigFile  string
	// ScenarioActors is the configured actor count per scenario name.
	ScenarioActors map[string]int
}

// Dashboard renders collector snapshots and actor counts in the terminal.
// It implements runner.Observer so the scheduler can report actor lifecycle.
type Dashboard struct {
	collector *metrics.Collector
	cfg       TestConfig
	onQuit    func()
	started   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	actorsMu sync.Mutex
	active   map[string]int

	mu      sync.Mutex
	grid    *ui.Grid
	header  *widgets.Paragraph
	checks  *widgets.Gauge
	actors  *widgets.List
	rates   *widgets.SparklineGroup
	table   *widgets.Table
	verdict *widgets.Paragraph
	status  *widgets.List
	history map[broker.Method][]float64
}

// New initialises the terminal. onQuit runs when the user presses q or Ctrl-C.
func New(collector *metrics.Collector, cfg TestConfig, onQuit func()) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}
	d := newDashboard(collector, cfg, onQuit)
	w, h := ui.TerminalDimensions()
	d.layout(w, h)
	return d, nil
}

// newDashboard builds the widgets without touching the terminal.
func newDashboard(collector *metrics.Collector, cfg TestConfig, onQuit func()) *Dashboard {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		collector: collector,
		cfg:       cfg,
		onQuit:    onQuit,
		started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		active:    map[string]int{},
		history:   map[broker.Method][]float64{},
	}

	d.header = widgets.NewParagraph()
	d.header.Title = "brokerload"
	d.header.Text = "Starting..."

	d.checks = widgets.NewGauge()
	d.checks.Title = "Check pass rate"
	d.checks.Label = "no checks yet"
	d.checks.LabelStyle = ui.NewStyle(ui.ColorWhite)

	d.actors = widgets.NewList()
	d.actors.Title = "Active actors"
	d.actors.Rows = []string{"none"}

	lines := make([]*widgets.Sparkline, 0, len(methodOrder))
	for _, m := range methodOrder {
		s := widgets.NewSparkline()
		s.Title = m.Label()
		s.Data = []float64{0}
		s.LineColor = methodColor(m)
		lines = append(lines, s)
	}
	d.rates = widgets.NewSparklineGroup(lines...)
	d.rates.Title = "Calls/s"

	d.table = widgets.NewTable()
	d.table.Title = "Methods"
	d.table.Rows = methodTableRows(metrics.Stats{})
	d.table.RowSeparator = false
	d.table.TextStyle = ui.NewStyle(ui.ColorWhite)
	d.table.RowStyles[0] = ui.NewStyle(ui.ColorCyan, ui.ColorClear, ui.ModifierBold)

	d.verdict = widgets.NewParagraph()
	d.verdict.Title = "Checks"
	d.verdict.Text = checkLines(nil, 0)

	d.status = widgets.NewList()
	d.status.Title = "Failures by status"
	d.status.Rows = statusRows(nil)
	d.status.TextStyle = ui.NewStyle(ui.ColorYellow)

	for _, b := range []*ui.Block{&d.header.Block, &d.checks.Block, &d.actors.Block, &d.rates.Block, &d.table.Block, &d.verdict.Block, &d.status.Block} {
		b.BorderStyle.Fg = ui.ColorCyan
	}
	return d
}

func (d *Dashboard) layout(width, height int) {
	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, width, height)
	d.grid.Set(
		ui.NewRow(0.16,
			ui.NewCol(0.7, d.header),
			ui.NewCol(0.3, d.checks),
		),
		ui.NewRow(0.26,
			ui.NewCol(0.65, d.rates),
			ui.NewCol(0.35, d.actors),
		),
		ui.NewRow(0.22, ui.NewCol(1.0, d.table)),
		ui.NewRow(0.36,
			ui.NewCol(0.55, d.verdict),
			ui.NewCol(0.45, d.status),
		),
	)
}

// ActorStarted implements runner.Observer.
func (d *Dashboard) ActorStarted(scenario string) {
	d.actorsMu.Lock()
	d.active[scenario]++
	d.actorsMu.Unlock()
}

// ActorStopped implements runner.Observer.
func (d *Dashboard) ActorStopped(scenario string) {
	d.actorsMu.Lock()
	d.active[scenario]--
	d.actorsMu.Unlock()
}

func (d *Dashboard) activeActors() map[string]int {
	d.actorsMu.Lock()
	defer d.actorsMu.Unlock()
	out := make(map[string]int, len(d.active))
	for k, v := range d.active {
		out[k] = v
	}
	return out
}

// Start begins refreshing the screen.
func (d *Dashboard) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop ends the refresh loop and restores the terminal.
func (d *Dashboard) Stop() {
	d.cancel()
	d.wg.Wait()
	ui.Close()
}

func (d *Dashboard) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	events := ui.PollEvents()

	d.draw()
	for {
		select {
		case <-d.ctx.Done():
			return
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				// The run winds down and main calls Stop.
				if d.onQuit != nil {
					d.onQuit()
				}
			case "<Resize>":
				r := e.Payload.(ui.Resize)
				d.mu.Lock()
				d.grid.SetRect(0, 0, r.Width, r.Height)
				d.mu.Unlock()
				ui.Clear()
				d.draw()
			}
		case <-ticker.C:
			d.refresh(time.Since(d.started))
			d.draw()
		}
	}
}

func (d *Dashboard) draw() {
	d.mu.Lock()
	defer d.mu.Unlock()
	ui.Render(d.grid)
}

// refresh copies a collector snapshot into the widgets.
func (d *Dashboard) refresh(elapsed time.Duration) {
	stats := d.collector.Stats(elapsed)
	active := d.activeActors()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.header.Text = headerText(d.cfg, stats, elapsed)
	d.actors.Rows = actorRows(active, d.cfg.ScenarioActors)
	d.table.Rows = methodTableRows(stats)
	d.verdict.Text = checkLines(stats.Checks, stats.CheckPassRate())
	d.status.Rows = statusRows(stats.StatusBuckets)

	rate := stats.CheckPassRate()
	d.checks.Percent = int(math.Round(rate * 100))
	d.checks.BarColor = rateColor(rate)
	if stats.ChecksPassed+stats.ChecksFailed == 0 {
		d.checks.Label = "no checks yet"
	} else {
		d.checks.Label = fmt.Sprintf("%s (%d/%d)", formatPercent(rate), stats.ChecksPassed, stats.ChecksPassed+stats.ChecksFailed)
	}

	for i, m := range methodOrder {
		ms := stats.Methods[m.Label()]
		h := append(d.history[m], ms.RequestsPerSec)
		if len(h) > historyLength {
			h = h[len(h)-historyLength:]
		}
		d.history[m] = h
		line := d.rates.Sparklines[i]
		line.Data = h
		line.Title = fmt.Sprintf("%s %.1f/s", m.Label(), ms.RequestsPerSec)
	}
}

func methodColor(m broker.Method) ui.Color {
	switch m {
	case broker.MethodPublish:
		return ui.ColorGreen
	case broker.MethodFetch:
		return ui.ColorBlue
	default:
		return ui.ColorMagenta
	}
}

func rateColor(rate float64) ui.Color {
	switch {
	case rate >= 0.95:
		return ui.ColorGreen
	case rate >= 0.5:
		return ui.ColorYellow
	default:
		return ui.ColorRed
	}
}
