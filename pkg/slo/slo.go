package slo

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/queue"
)

// Components with recorded availability samples
const (
	ComponentIngestor = "ingestor"
	ComponentAlerter  = "alerter"
	ComponentMoog     = "moog"
)

// Components lists every component in report order
var Components = []string{ComponentIngestor, ComponentAlerter, ComponentMoog}

const (
	fieldOk  = "ok"
	fieldErr = "err"

	// bucketTTL keeps hour buckets a little past a day so the widest
	// window never reads a partially expired range.
	bucketTTL = 26 * time.Hour
)

// Window is a reporting span measured in whole hour buckets
type Window struct {
	Name  string
	Hours int
}

// DefaultWindows are the spans served by the SLO endpoint
var DefaultWindows = []Window{
	{Name: "1h", Hours: 1},
	{Name: "6h", Hours: 6},
}

// WindowReport summarizes one component over one window
type WindowReport struct {
	Window       string  `json:"window"`
	Ok           int64   `json:"ok"`
	Errors       int64   `json:"errors"`
	Availability float64 `json:"availability"`
	BurnRate     float64 `json:"burn_rate"`
	Met          bool    `json:"met"`
}

// ComponentReport holds every window for one component
type ComponentReport struct {
	Component string         `json:"component"`
	Windows   []WindowReport `json:"windows"`
}

// Report is the full SLO snapshot served by the admin API
type Report struct {
	Target      float64           `json:"target"`
	GeneratedAt time.Time         `json:"generated_at"`
	Components  []ComponentReport `json:"components"`
}

// Recorder counts per-component outcomes in substrate hash buckets, one
// hash per component per hour. Recording is best effort: a substrate
// hiccup costs a sample, never a pipeline item.
type Recorder struct {
	queue  *queue.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder backed by the substrate
func NewRecorder(q *queue.Client) *Recorder {
	return &Recorder{
		queue:  q,
		logger: log.WithComponent("slo"),
		now:    time.Now,
	}
}

// Ok records one successful unit of work for a component
func (r *Recorder) Ok(ctx context.Context, component string) {
	r.record(ctx, component, fieldOk)
}

// Err records one failed unit of work for a component
func (r *Recorder) Err(ctx context.Context, component string) {
	r.record(ctx, component, fieldErr)
}

func (r *Recorder) record(ctx context.Context, component, field string) {
	key := bucketKey(component, r.now())
	if err := r.queue.HIncrWithTTL(ctx, key, field, bucketTTL); err != nil {
		r.logger.Warn().Err(err).Str("component", component).Msg("failed to record slo sample")
	}
}

// Report sums the hour buckets of every component over the given windows
// and derives availability and burn rate against the target. Empty
// windows count as fully available.
func (r *Recorder) Report(ctx context.Context, target float64, windows ...Window) (*Report, error) {
	if len(windows) == 0 {
		windows = DefaultWindows
	}

	now := r.now().UTC()
	report := &Report{Target: target, GeneratedAt: now}

	for _, component := range Components {
		cr := ComponentReport{Component: component}
		for _, w := range windows {
			ok, errs, err := r.sum(ctx, component, now, w.Hours)
			if err != nil {
				return nil, err
			}
			cr.Windows = append(cr.Windows, windowReport(w.Name, ok, errs, target))
		}
		report.Components = append(report.Components, cr)
	}
	return report, nil
}

func (r *Recorder) sum(ctx context.Context, component string, now time.Time, hours int) (int64, int64, error) {
	var ok, errs int64
	for h := 0; h < hours; h++ {
		fields, err := r.queue.HGetAll(ctx, bucketKey(component, now.Add(-time.Duration(h)*time.Hour)))
		if err != nil {
			return 0, 0, err
		}
		ok += parseCount(fields[fieldOk])
		errs += parseCount(fields[fieldErr])
	}
	return ok, errs, nil
}

// windowReport derives the ratios for one window. Burn rate is the
// error rate divided by the error budget: 1.0 burns the budget exactly
// at the end of the target period, above 1.0 burns it early.
func windowReport(name string, ok, errs int64, target float64) WindowReport {
	wr := WindowReport{Window: name, Ok: ok, Errors: errs, Availability: 1}

	total := ok + errs
	if total > 0 {
		wr.Availability = float64(ok) / float64(total)
		if target > 0 && target < 1 {
			wr.BurnRate = (float64(errs) / float64(total)) / (1 - target)
		}
	}
	wr.Met = wr.Availability >= target
	return wr
}

func bucketKey(component string, t time.Time) string {
	return queue.SLOPrefix + component + ":" + t.UTC().Format("2006010215")
}

func parseCount(value string) int64 {
	if value == "" {
		return 0
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
