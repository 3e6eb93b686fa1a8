package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cnclabs/fairkg/internal/config"
	"github.com/cnclabs/fairkg/internal/eval"
	"github.com/cnclabs/fairkg/internal/fairness"
	"github.com/cnclabs/fairkg/internal/metrics"
	"github.com/cnclabs/fairkg/internal/models/transd"
	"github.com/cnclabs/fairkg/internal/sampler"
	"github.com/cnclabs/fairkg/internal/store/sqlite"
	"github.com/cnclabs/fairkg/internal/trainer"
	"github.com/cnclabs/fairkg/pkg/knowledge"
)

// session is everything a subcommand needs: data, model, discriminators and
// the run store.
type session struct {
	cfg    *config.Config
	logger *slog.Logger

	ds         *knowledge.Dataset
	trainFacts *knowledge.FactSet
	allFacts   *knowledge.FactSet

	rng    *rand.Rand
	scorer *transd.TransD
	set    *fairness.Set
	smp    *sampler.Sampler

	store *sqlite.Store // nil unless do_log
	run   sqlite.Run
	sink  metrics.Sink

	loadTime time.Duration
}

func newSession(ctx context.Context, cfg *config.Config, kind string) (*session, error) {
	s := &session{cfg: cfg, logger: slog.Default()}

	start := time.Now()
	var err error
	if cfg.TriplesFile != "" {
		s.ds, err = knowledge.LoadTriples(cfg.TriplesFile, cfg.TestRatio, cfg.Seed)
	} else {
		s.ds, err = knowledge.LoadMovieLens(cfg.RatingsFile, cfg.UsersFile, cfg.TestRatio, cfg.Seed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	if s.trainFacts, err = s.ds.TrainFacts(); err != nil {
		return nil, err
	}
	if s.allFacts, err = s.ds.Facts(); err != nil {
		return nil, err
	}
	s.loadTime = time.Since(start)

	s.rng = rand.New(rand.NewSource(cfg.Seed))
	s.scorer = transd.New(s.ds.NumEntities(), s.ds.NumRelations, cfg.EmbedDim, cfg.PNorm, s.rng)
	if cfg.FreezeScorer {
		s.scorer.Freeze()
	}
	s.smp = sampler.New(s.ds.NumUsers, s.ds.NumMovies, s.rng)

	s.set = fairness.NewSet()
	for _, attr := range cfg.Attributes() {
		disc := fairness.NewDiscriminator(attr, cfg.EmbedDim, s.ds.Profiles, cfg.UseCrossEntropy, s.rng)
		if err := s.set.Enable(disc, cfg.DiscOptimizer, cfg.LR); err != nil {
			return nil, fmt.Errorf("discriminator %s: %w", attr, err)
		}
	}
	if wantsFilters(cfg, kind) {
		for _, attr := range filterAttributes(cfg) {
			s.set.SetFilter(attr.Kind, fairness.NewFilter(attr, cfg.EmbedDim, s.rng))
		}
	}

	s.sink = metrics.Logger{L: s.logger, Level: slog.LevelDebug}
	if cfg.DoLog {
		if s.store, err = sqlite.OpenSQLite(ctx, cfg.DBPath); err != nil {
			return nil, fmt.Errorf("failed to open run store: %w", err)
		}
		s.store.SetLogger(s.logger)
		doc, err := cfg.YAML()
		if err != nil {
			s.store.Close()
			return nil, err
		}
		if s.run, err = s.store.CreateRun(ctx, cfg.RunName, kind, doc); err != nil {
			s.store.Close()
			return nil, err
		}
		s.sink = metrics.Multi{s.store.Sink(s.run.ID), s.sink}
		s.logger = s.logger.With("run", s.run.ID)
	}
	return s, nil
}

// wantsFilters reports whether a session of kind builds filters. Training
// only builds the filters it trains; a retrain session builds fresh ones that
// restore fills from the source run.
func wantsFilters(cfg *config.Config, kind string) bool {
	switch kind {
	case "train":
		return cfg.UseFilters
	case "retrain":
		return cfg.UseFilters || cfg.UseTrainedFilters
	}
	return false
}

// filterAttributes are the attributes that get a filter: every enabled one
// except the random control.
func filterAttributes(cfg *config.Config) []fairness.Attribute {
	var out []fairness.Attribute
	for _, attr := range cfg.Attributes() {
		if attr.Kind != fairness.Random {
			out = append(out, attr)
		}
	}
	return out
}

func (s *session) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// validate logs link-prediction and per-discriminator fairness metrics for
// epoch.
func (s *session) validate(ctx context.Context, epoch int) error {
	if _, err := s.rank(ctx, epoch); err != nil {
		return err
	}
	fe := &eval.Fairness{Scorer: s.scorer, Sink: s.sink, Logger: s.logger}
	var filters []fairness.Filter
	if s.cfg.UseFilters {
		filters = s.set.Filters()
	}
	for _, attr := range fairness.Attributes() {
		slot := s.set.Slot(attr.Kind)
		if slot == nil {
			continue
		}
		if _, err := fe.Evaluate(s.ds.Test, slot.Disc, filters, epoch); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) rank(ctx context.Context, epoch int) (*eval.RankReport, error) {
	r := &eval.Ranker{
		Scorer:      s.scorer,
		Facts:       s.allFacts,
		NumEntities: s.ds.NumEntities(),
		Logger:      s.logger,
	}
	rep, err := r.Evaluate(ctx, s.ds.Test, s.cfg.Subsample)
	if err != nil {
		return nil, fmt.Errorf("ranking evaluation: %w", err)
	}
	s.sink.Log("Mean Rank", rep.MeanRank, epoch)
	s.sink.Log("MRR", rep.MRR, epoch)
	s.sink.Log("Hits@10", rep.Hits10, epoch)
	s.sink.Log("Hits@5", rep.Hits5, epoch)
	s.logger.Info("ranking",
		"epoch", epoch,
		"mean_rank", rep.MeanRank,
		"mrr", rep.MRR,
		"hits10", rep.Hits10,
		"hits5", rep.Hits5)
	return rep, nil
}

// checkpoint stores the scorer, every discriminator and every filter.
func (s *session) checkpoint(ctx context.Context, epoch int) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveParams(ctx, s.run.ID, "scorer", epoch, s.scorer.Params()); err != nil {
		return err
	}
	for _, attr := range fairness.Attributes() {
		if slot := s.set.Slot(attr.Kind); slot != nil {
			if err := s.store.SaveParams(ctx, s.run.ID, "disc."+attr.Name, epoch, slot.Disc.Params()); err != nil {
				return err
			}
		}
		if f := s.set.Filter(attr.Kind); f != nil {
			if err := s.store.SaveParams(ctx, s.run.ID, "filter."+attr.Name, epoch, f.Params()); err != nil {
				return err
			}
		}
	}
	s.logger.Debug("checkpoint saved", "epoch", epoch)
	return nil
}

// restore loads the scorer, and the filters when withFilters is set, from the
// run runID, or from the latest train run when runID is empty.
func (s *session) restore(ctx context.Context, runID string, withFilters bool) (string, error) {
	if s.store == nil {
		return "", errors.New("restoring a checkpoint needs the run store (do_log)")
	}
	var src sqlite.Run
	var err error
	if runID != "" {
		src, err = s.store.GetRun(ctx, runID)
	} else {
		src, err = s.store.LatestRun(ctx, "train")
	}
	if err != nil {
		return "", fmt.Errorf("find source run: %w", err)
	}

	epoch, err := s.store.LoadParams(ctx, src.ID, "scorer", s.scorer.Params())
	if err != nil {
		return "", err
	}
	if withFilters {
		for _, f := range s.set.Filters() {
			ps := f.Params()
			if _, err := s.store.LoadParams(ctx, src.ID, "filter."+f.Attribute().Name, ps); err != nil {
				return "", err
			}
			if err := f.SetParams(ps); err != nil {
				return "", fmt.Errorf("filter %s: %w", f.Attribute(), err)
			}
		}
	}
	s.logger.Info("checkpoint restored", "source", src.ID, "epoch", epoch, "filters", withFilters)
	return src.ID, nil
}

// retrain audits attribute name on the current scorer and stores the
// retrained discriminator.
func (s *session) retrain(ctx context.Context, name string) (*fairness.Discriminator, error) {
	attr, err := fairness.ParseAttribute(name)
	if err != nil {
		return nil, err
	}
	var filters []fairness.Filter
	if s.cfg.UseTrainedFilters {
		filters = s.set.Filters()
	}
	r := &trainer.Retrainer{
		Scorer:   s.scorer,
		Filters:  filters,
		Profiles: s.ds.Profiles,
		Sampler:  s.smp,
		Facts:    s.trainFacts,
		Rng:      s.rng,
		Opts:     s.cfg.TrainOptions(),
		Sink:     s.sink,
		Logger:   s.logger,
	}
	if s.store != nil {
		r.Checkpoint = func(disc *fairness.Discriminator) error {
			return s.store.SaveParams(ctx, s.run.ID, "retrained."+attr.Name, s.cfg.RetrainEpochs, disc.Params())
		}
	}
	return r.Run(ctx, attr, s.cfg.RetrainEpochs, s.cfg.ValidFreq, s.ds.Train, s.ds.Test)
}
