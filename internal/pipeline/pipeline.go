// Package pipeline wires the fan-out, statistics and insight stages together
// with bounded queues and runs them until the context is cancelled.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	internalerrors "github.com/rcourtman/pulse-insights/internal/errors"
	"github.com/rcourtman/pulse-insights/internal/fanout"
	"github.com/rcourtman/pulse-insights/internal/insights"
	"github.com/rcourtman/pulse-insights/internal/metrics"
	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/notifications"
	"github.com/rcourtman/pulse-insights/internal/stats"
	"github.com/rcourtman/pulse-insights/internal/storage"
)

// Stage names used in logs and metric labels.
const (
	StageIngest   = "ingest"
	StageFanout   = "fanout"
	StageStats    = "stats"
	StageInsights = "insights"
	StageNotify   = "notify"
)

const controlQueueSize = 16

// Config sizes the pipeline.
type Config struct {
	Stats         []stats.Config
	Aggregation   insights.Config
	FlushInterval time.Duration
	Shards        int
	QueueSize     int
}

// Validate checks the stage settings.
func (c Config) Validate() error {
	if len(c.Stats) == 0 {
		return fmt.Errorf("at least one statistics granularity is required")
	}
	for _, sc := range c.Stats {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("stats %s: %w", sc.Granularity, err)
		}
	}
	if err := c.Aggregation.Validate(); err != nil {
		return err
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.Shards < 1 || c.QueueSize < 1 {
		return fmt.Errorf("shards and queue size must be at least 1")
	}
	return nil
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the clock used by the detectors and the aggregator.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithHashtagHistory replaces the fan-out hashtag history source.
func WithHashtagHistory(h fanout.HashtagHistory) Option {
	return func(p *Pipeline) { p.hashtags = h }
}

// WithAggregatorOptions passes options through to the aggregator.
func WithAggregatorOptions(opts ...insights.Option) Option {
	return func(p *Pipeline) { p.aggOpts = append(p.aggOpts, opts...) }
}

type shard struct {
	id        int
	in        chan models.MetricRecord
	control   chan stats.Control
	detectors []*stats.Detector
}

// Pipeline owns the stage instances and the queues between them.
type Pipeline struct {
	cfg        Config
	fanoutCfg  fanout.Config
	expander   *fanout.Expander
	hashtags   fanout.HashtagHistory
	sink       storage.Sink
	dispatcher *notifications.Dispatcher
	aggregator *insights.Aggregator
	aggOpts    []insights.Option
	now        func() time.Time

	events  chan models.Event
	shards  []*shard
	samples chan models.StatRecord
	notify  chan models.Notification

	busy    atomic.Int64
	running atomic.Bool
}

// New builds a pipeline. When the sink can load stream history it is used
// to hydrate detectors that have it enabled.
func New(cfg Config, fanoutCfg fanout.Config, sink storage.Sink, dispatcher *notifications.Dispatcher, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, internalerrors.Config("pipeline", err)
	}
	if sink == nil {
		sink = storage.NopSink{}
	}
	if dispatcher == nil {
		dispatcher = notifications.NewDispatcher(0)
	}

	p := &Pipeline{
		cfg:        cfg,
		fanoutCfg:  fanoutCfg,
		hashtags:   fanout.MetadataHistory{},
		sink:       sink,
		dispatcher: dispatcher,
		now:        time.Now,
		events:     make(chan models.Event, cfg.QueueSize),
		samples:    make(chan models.StatRecord, cfg.QueueSize),
		notify:     make(chan models.Notification, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.expander = fanout.New(fanoutCfg, p.hashtags)
	p.aggregator = insights.New(cfg.Aggregation, append([]insights.Option{insights.WithClock(p.now)}, p.aggOpts...)...)

	history, _ := sink.(stats.HistoryLoader)
	for i := 0; i < cfg.Shards; i++ {
		sh := &shard{
			id:      i,
			in:      make(chan models.MetricRecord, cfg.QueueSize),
			control: make(chan stats.Control, controlQueueSize),
		}
		for _, sc := range cfg.Stats {
			detOpts := []stats.Option{stats.WithClock(p.now)}
			if history != nil {
				detOpts = append(detOpts, stats.WithHistory(history))
			}
			sh.detectors = append(sh.detectors, stats.NewDetector(sc, detOpts...))
		}
		p.shards = append(p.shards, sh)
	}
	return p, nil
}

// Submit enqueues an event without blocking. It reports false and counts a
// drop when the ingest queue is full.
func (p *Pipeline) Submit(source string, evt models.Event) bool {
	metrics.RecordEventReceived(source)
	select {
	case p.events <- evt:
		return true
	default:
		metrics.RecordDropped(StageIngest)
		log.Warn().Str("stage", StageIngest).Str("account", evt.AccountID).Msg("Ingest queue full, dropping event")
		return false
	}
}

// SubmitWait enqueues an event, waiting for queue space. Used by replay,
// where dropping input would make the run meaningless.
func (p *Pipeline) SubmitWait(ctx context.Context, source string, evt models.Event) error {
	metrics.RecordEventReceived(source)
	select {
	case p.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Control validates ctl and hands it to the shard owning the addressed
// stream, or to every shard for clear-all.
func (p *Pipeline) Control(ctl stats.Control) error {
	if err := ctl.Validate(); err != nil {
		return internalerrors.Malformed(StageStats, "control", err)
	}
	targets := p.shards
	if ctl.Op != stats.OpClearAll {
		targets = []*shard{p.shardFor(ctl.StreamKey())}
	}
	for _, sh := range targets {
		select {
		case sh.control <- ctl:
		default:
			return fmt.Errorf("control queue of shard %d is full", sh.id)
		}
	}
	return nil
}

// Run starts every stage and blocks until ctx is cancelled or a stage fails.
// Open buckets are discarded on shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}
	defer p.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)

	log.Info().
		Int("shards", len(p.shards)).
		Int("queue_size", p.cfg.QueueSize).
		Strs("granularities", p.granularityNames()).
		Msg("Starting insight pipeline")

	g.Go(func() error { return p.runFanout(ctx) })
	for _, sh := range p.shards {
		sh := sh
		g.Go(func() error { return p.runShard(ctx, sh) })
	}
	g.Go(func() error { return p.runAggregator(ctx) })
	g.Go(func() error { return p.runDispatcher(ctx) })

	err := g.Wait()
	log.Info().Int("pending_buckets", p.aggregator.Pending()).Msg("Insight pipeline stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Idle reports whether every queue is empty and no record is being handled.
func (p *Pipeline) Idle() bool {
	if p.busy.Load() != 0 || len(p.events) != 0 || len(p.samples) != 0 || len(p.notify) != 0 {
		return false
	}
	for _, sh := range p.shards {
		if len(sh.in) != 0 || len(sh.control) != 0 {
			return false
		}
	}
	return true
}

// WaitIdle polls until Idle holds twice in a row or ctx ends.
func (p *Pipeline) WaitIdle(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	streak := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.Idle() {
				streak++
				if streak >= 2 {
					return nil
				}
			} else {
				streak = 0
			}
		}
	}
}

// Dispatcher returns the notification dispatcher.
func (p *Pipeline) Dispatcher() *notifications.Dispatcher {
	return p.dispatcher
}

func (p *Pipeline) granularityNames() []string {
	names := make([]string, 0, len(p.cfg.Stats))
	for _, sc := range p.cfg.Stats {
		names = append(names, string(sc.Granularity))
	}
	return names
}

func (p *Pipeline) shardFor(key string) *shard {
	return p.shards[xxhash.Sum64String(key)%uint64(len(p.shards))]
}

// guard runs fn for one record, converting a panic into a logged and
// counted processing error. The record is not retried.
func (p *Pipeline) guard(stage, key string, fn func()) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordProcessingError(stage)
			err := internalerrors.Processing(stage, "handle", key, fmt.Errorf("panic: %v", r))
			log.Error().
				Err(err).
				Str("stage", stage).
				Str("key", key).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic while processing record")
		}
	}()
	fn()
}

func (p *Pipeline) runFanout(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.events:
			metrics.SetQueueDepth(StageFanout, len(p.events))
			p.guard(StageFanout, evt.ID, func() { p.handleEvent(evt) })
		}
	}
}

func (p *Pipeline) handleEvent(evt models.Event) {
	records := p.expander.Expand(evt)
	metrics.RecordEmitted(StageFanout, len(records))
	for _, rec := range records {
		p.sink.WriteMetric(rec)
		sh := p.shardFor(rec.Key())
		select {
		case sh.in <- rec:
		default:
			metrics.RecordDropped(StageStats)
			log.Warn().Str("stage", StageStats).Int("shard", sh.id).Str("key", rec.Key()).Msg("Stats queue full, dropping record")
		}
	}
}

func (p *Pipeline) runShard(ctx context.Context, sh *shard) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ctl := <-sh.control:
			p.guard(StageStats, ctl.StreamKey(), func() { p.applyControl(sh, ctl) })
		case rec := <-sh.in:
			metrics.SetQueueDepth(StageStats, len(sh.in))
			p.guard(StageStats, rec.Key(), func() { p.handleRecord(ctx, sh, rec) })
		}
	}
}

func (p *Pipeline) applyControl(sh *shard, ctl stats.Control) {
	for _, det := range sh.detectors {
		if _, err := det.Apply(ctl); err != nil {
			log.Warn().Err(err).Str("stage", StageStats).Int("shard", sh.id).Msg("Rejected control command")
			return
		}
	}
}

func (p *Pipeline) handleRecord(ctx context.Context, sh *shard, rec models.MetricRecord) {
	for _, det := range sh.detectors {
		stat, ok := det.Process(ctx, rec)
		if !ok {
			continue
		}
		metrics.RecordEmitted(StageStats, 1)
		if stat.Anomaly {
			metrics.RecordAnomaly(stat.Name)
		}
		p.sink.WriteStat(stat)
		select {
		case p.samples <- stat:
		default:
			metrics.RecordDropped(StageInsights)
			log.Warn().Str("stage", StageInsights).Str("key", stat.Key()).Msg("Insight queue full, dropping sample")
		}
	}
}

func (p *Pipeline) runAggregator(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case stat := <-p.samples:
			metrics.SetQueueDepth(StageInsights, len(p.samples))
			p.guard(StageInsights, stat.Key(), func() { p.enqueue(p.aggregator.Add(stat)) })
		case <-ticker.C:
			p.guard(StageInsights, "", func() { p.enqueue(p.aggregator.Tick()) })
			p.reportStreams()
		}
	}
}

func (p *Pipeline) enqueue(batch []models.Notification) {
	for _, n := range batch {
		select {
		case p.notify <- n:
		default:
			metrics.RecordDropped(StageNotify)
			log.Warn().Str("stage", StageNotify).Str("id", n.ID).Msg("Notification queue full, dropping insight")
		}
	}
}

func (p *Pipeline) runDispatcher(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-p.notify:
			metrics.SetQueueDepth(StageNotify, len(p.notify))
			p.guard(StageNotify, n.ID, func() { p.dispatcher.Dispatch(ctx, n) })
		}
	}
}

func (p *Pipeline) reportStreams() {
	for _, g := range p.Granularities() {
		metrics.SetStreamsTracked(string(g), len(p.StreamKeys(g)))
	}
}

// Granularities lists the configured detector granularities.
func (p *Pipeline) Granularities() []models.Granularity {
	out := make([]models.Granularity, 0, len(p.cfg.Stats))
	for _, sc := range p.cfg.Stats {
		out = append(out, sc.Granularity)
	}
	return out
}

// StreamKeys returns the sorted keys tracked at granularity g across shards.
func (p *Pipeline) StreamKeys(g models.Granularity) []string {
	var keys []string
	for _, sh := range p.shards {
		if det := sh.detector(g); det != nil {
			keys = append(keys, det.Store().Keys()...)
		}
	}
	slices.Sort(keys)
	return keys
}

// StreamState returns the estimator state of one stream.
func (p *Pipeline) StreamState(key string, g models.Granularity) (stats.StreamState, bool) {
	det := p.shardFor(key).detector(g)
	if det == nil {
		return stats.StreamState{}, false
	}
	return det.Store().Get(key)
}

func (sh *shard) detector(g models.Granularity) *stats.Detector {
	for _, det := range sh.detectors {
		if det.Granularity() == g {
			return det
		}
	}
	return nil
}

// Window returns the estimator window of the detector at granularity g, or
// zero when none is configured.
func (p *Pipeline) Window(g models.Granularity) int {
	for _, sc := range p.cfg.Stats {
		if sc.Granularity == g {
			return sc.Window
		}
	}
	return 0
}

// RecentInsights returns up to limit dispatched notifications, newest first.
func (p *Pipeline) RecentInsights(limit int) []models.Notification {
	return p.dispatcher.Recent(limit)
}
