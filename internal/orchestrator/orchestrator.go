// Package orchestrator wires configuration, sources and storage into the
// scheduled tracker jobs.
package orchestrator

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"market-structure-lab/internal/config"
	"market-structure-lab/internal/ingestion"
	"market-structure-lab/internal/observability"
	"market-structure-lab/internal/storage"
)

// Mode selects which trackers run.
type Mode string

const (
	ModeExtrema Mode = "extrema"
	ModeLevels  Mode = "levels"
	ModeAll     Mode = "all"
)

// IsValid checks if the mode is a valid value.
func (m Mode) IsValid() bool {
	return m == ModeExtrema || m == ModeLevels || m == ModeAll
}

// Orchestrator owns one checkpoint controller per extremum stream and one
// level cycle per book side.
type Orchestrator struct {
	controllers []*ingestion.CheckpointController
	cycles      []*ingestion.LevelCycle
}

// Options for creating Orchestrator.
type Options struct {
	Config *config.Config
	Mode   Mode

	// Required for the trackers selected by Mode
	Backend   *storage.Backend
	Bars      ingestion.BarSource
	Snapshots ingestion.SnapshotSource

	// Optional
	Sink    storage.HistorySink
	Clock   ingestion.Clock
	Metrics *observability.Metrics
	Logger  logrus.FieldLogger
}

// New creates the trackers for opts.Mode.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("storage backend is required")
	}
	if !opts.Mode.IsValid() {
		return nil, fmt.Errorf("invalid mode %q", opts.Mode)
	}

	cfg := opts.Config
	o := &Orchestrator{}

	if opts.Mode == ModeExtrema || opts.Mode == ModeAll {
		if opts.Bars == nil {
			return nil, errors.New("bar source is required for extremum streams")
		}
		for _, key := range cfg.StreamKeys() {
			c, err := ingestion.NewCheckpointController(ingestion.CheckpointOptions{
				Key:        key,
				Source:     opts.Bars,
				Store:      opts.Backend.Extrema,
				Tracker:    cfg.TrackerConfig(key.Side),
				WindowSpan: cfg.Extrema.WindowSpan.Duration,
				EpochStart: cfg.Extrema.EpochStart,
				KlineLimit: cfg.Market.KlineLimit,
				NoLookback: !cfg.Extrema.CarryLookback,
				Clock:      opts.Clock,
				Locker:     opts.Backend.Locker,
				Sink:       opts.Sink,
				Metrics:    opts.Metrics,
				Logger:     opts.Logger,
			})
			if err != nil {
				return nil, fmt.Errorf("stream %s: %w", key, err)
			}
			o.controllers = append(o.controllers, c)
		}
	}

	if opts.Mode == ModeLevels || opts.Mode == ModeAll {
		if opts.Snapshots == nil {
			return nil, errors.New("snapshot source is required for level trackers")
		}
		for _, key := range cfg.BookKeys() {
			l, err := ingestion.NewLevelCycle(ingestion.LevelCycleOptions{
				Key:        key,
				Source:     opts.Snapshots,
				Store:      opts.Backend.Levels,
				Tracker:    cfg.LevelConfig(key.Side),
				DepthLimit: cfg.Market.DepthLimit,
				Clock:      opts.Clock,
				Locker:     opts.Backend.Locker,
				Sink:       opts.Sink,
				Metrics:    opts.Metrics,
				Logger:     opts.Logger,
			})
			if err != nil {
				return nil, fmt.Errorf("book %s: %w", key, err)
			}
			o.cycles = append(o.cycles, l)
		}
	}

	return o, nil
}

// Jobs returns every tracker as a schedulable job, extremum streams first.
func (o *Orchestrator) Jobs() []ingestion.Job {
	jobs := make([]ingestion.Job, 0, len(o.controllers)+len(o.cycles))
	for _, c := range o.controllers {
		jobs = append(jobs, ingestion.ControllerJob(c))
	}
	for _, l := range o.cycles {
		jobs = append(jobs, ingestion.LevelJob(l))
	}
	return jobs
}
