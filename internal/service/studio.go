package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/abadojack/whatlanggo"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"

	"github.com/MimeLyc/imagen-studio/internal/config"
	"github.com/MimeLyc/imagen-studio/internal/persistence"
	"github.com/MimeLyc/imagen-studio/internal/prediction"
	"github.com/MimeLyc/imagen-studio/pkg/icron"
	"github.com/MimeLyc/imagen-studio/pkg/log"
	"github.com/MimeLyc/imagen-studio/pkg/metrics"
)

const recordTimeout = 5 * time.Second

// HistoryStore persists finished jobs.
type HistoryStore interface {
	SaveRecord(ctx context.Context, rec persistence.HistoryRecord) error
	ListHistory(ctx context.Context, filter persistence.HistoryFilter) ([]persistence.HistoryRecord, error)
	CountByOutcome(ctx context.Context) (persistence.OutcomeCounts, error)
	DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler is the subset of *cron.Cron the studio needs.
type Scheduler interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
	Remove(id cron.EntryID)
}

// ModelVersionSetter switches the model used for new predictions.
type ModelVersionSetter interface {
	SetModelVersion(version string)
}

// Studio ties the prediction controller to history, metrics and retention.
type Studio struct {
	ctrl      *prediction.Controller
	store     HistoryStore
	scheduler Scheduler
	versioner ModelVersionSetter
	now       func() time.Time

	tracking sync.WaitGroup
	prune    singleflight.Group

	mu             sync.RWMutex
	last           *prediction.Result
	retentionDays  int
	retentionCron  string
	retentionEntry cron.EntryID
	scheduled      bool
}

type StudioOption func(*Studio)

func WithModelVersionSetter(v ModelVersionSetter) StudioOption {
	return func(s *Studio) {
		s.versioner = v
	}
}

func WithNow(now func() time.Time) StudioOption {
	return func(s *Studio) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetention sets how many days of history are kept and when they are swept.
func WithRetention(days int, cronExpr string) StudioOption {
	return func(s *Studio) {
		s.retentionDays = days
		s.retentionCron = cronExpr
	}
}

func NewStudio(ctrl *prediction.Controller, store HistoryStore, scheduler Scheduler, opts ...StudioOption) *Studio {
	s := &Studio{
		ctrl:          ctrl,
		store:         store,
		scheduler:     scheduler,
		now:           time.Now,
		retentionDays: 30,
		retentionCron: "0 3 * * *",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule registers the retention sweep and starts mirroring progress into
// metrics until ctx is done.
func (s *Studio) Schedule(ctx context.Context) error {
	log.Info("Run Studio")

	s.mu.Lock()
	err := s.scheduleRetentionLocked(s.retentionCron)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	updates, unsubscribe := s.ctrl.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				metrics.SetPredictionProgress(u.Progress)
			}
		}
	}()
	return nil
}

// Start submits req, superseding any running job. The job outlives ctx.
func (s *Studio) Start(ctx context.Context, req prediction.Request) (prediction.Snapshot, error) {
	job, err := s.ctrl.Start(context.WithoutCancel(ctx), req)
	if err != nil {
		return prediction.Snapshot{}, err
	}

	s.tracking.Add(1)
	go func() {
		defer s.tracking.Done()
		s.track(job)
	}()
	return s.ctrl.Snapshot(), nil
}

func (s *Studio) Cancel() prediction.Snapshot {
	s.ctrl.Cancel()
	return s.ctrl.Snapshot()
}

func (s *Studio) Current() prediction.Snapshot {
	return s.ctrl.Snapshot()
}

func (s *Studio) Subscribe() (<-chan prediction.Update, func()) {
	return s.ctrl.Subscribe()
}

// LastResult returns the images of the most recent succeeded job.
func (s *Studio) LastResult() (*prediction.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil, false
	}
	return s.last, true
}

// Image returns the n-th image of the most recent succeeded job.
func (s *Studio) Image(n int) (prediction.Image, bool) {
	res, ok := s.LastResult()
	if !ok || n < 0 || n >= len(res.Images) {
		return prediction.Image{}, false
	}
	return res.Images[n], true
}

func (s *Studio) History(ctx context.Context, filter persistence.HistoryFilter) ([]persistence.HistoryRecord, error) {
	return s.store.ListHistory(ctx, filter)
}

func (s *Studio) HistoryStats(ctx context.Context) (persistence.OutcomeCounts, error) {
	return s.store.CountByOutcome(ctx)
}

// RetentionInfo reports the previous and next retention sweep.
func (s *Studio) RetentionInfo() (*icron.TriggerInfo, error) {
	s.mu.RLock()
	expr := s.retentionCron
	s.mu.RUnlock()
	return icron.GetTriggerInfo(expr, s.now())
}

// ApplySettings pushes runtime settings into the running components.
func (s *Studio) ApplySettings(next config.RuntimeSettings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduled && next.RetentionCron != s.retentionCron {
		if err := s.scheduleRetentionLocked(next.RetentionCron); err != nil {
			return err
		}
	}
	s.retentionCron = next.RetentionCron
	s.retentionDays = next.HistoryRetentionDays

	if s.versioner != nil {
		s.versioner.SetModelVersion(next.ModelVersion)
	}
	s.ctrl.SetEstimatedDuration(next.EstimatedDuration())
	log.Info("Applied runtime settings: model=%s estimate=%ds retention=%dd cron=%q",
		next.ModelVersion, next.EstimatedDurationSeconds, next.HistoryRetentionDays, next.RetentionCron)
	return nil
}

// PruneHistory removes records older than the retention window. Concurrent
// calls share one sweep.
func (s *Studio) PruneHistory(ctx context.Context) (int64, error) {
	v, err, _ := s.prune.Do("prune", func() (any, error) {
		s.mu.RLock()
		days := s.retentionDays
		s.mu.RUnlock()
		if days <= 0 {
			return int64(0), nil
		}

		cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
		n, err := s.store.DeleteHistoryBefore(ctx, cutoff)
		if err != nil {
			return int64(0), fmt.Errorf("prune history: %w", err)
		}
		metrics.AddHistoryPruned(n)
		log.Info("Pruned %d history record(s) finished before %s", n, cutoff.Format(time.RFC3339))
		return n, nil
	})
	return v.(int64), err
}

// Close cancels the running job and waits until its outcome is recorded.
func (s *Studio) Close(ctx context.Context) error {
	if err := s.ctrl.Close(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.tracking.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	if s.scheduled {
		s.scheduler.Remove(s.retentionEntry)
		s.scheduled = false
	}
	s.mu.Unlock()
	return nil
}

func (s *Studio) scheduleRetentionLocked(expr string) error {
	id, err := s.scheduler.AddFunc(expr, func() {
		if _, err := s.PruneHistory(context.Background()); err != nil {
			log.Error("Retention sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention %q: %w", expr, err)
	}
	if s.scheduled {
		s.scheduler.Remove(s.retentionEntry)
	}
	s.retentionEntry = id
	s.scheduled = true
	return nil
}

func (s *Studio) track(job *prediction.Job) {
	res, err := job.Wait(context.Background())
	finishedAt := s.now()

	outcome := outcomeOf(err)
	metrics.ObservePrediction(string(outcome), finishedAt.Sub(job.StartedAt).Seconds())

	rec := persistence.HistoryRecord{
		ID:             job.ID,
		Handle:         handleOf(res, err),
		Prompt:         job.Request.Prompt,
		PromptLanguage: detectLanguage(job.Request.Prompt),
		StyleName:      job.Request.StyleName,
		InputImage:     job.Request.InputImage,
		Outcome:        outcome,
		StartedAt:      job.StartedAt,
		FinishedAt:     finishedAt,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if res != nil {
		metrics.AddImageLoadFailures(len(res.Failures))
		rec.ImageCount = len(res.Images)
		rec.Failures = res.Failures
		for _, img := range res.Images {
			rec.Outputs = append(rec.Outputs, img.Ref)
		}

		s.mu.Lock()
		s.last = res
		s.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.store.SaveRecord(ctx, rec); err != nil {
		log.Error("Failed to record prediction job %s: %v", job.ID, err)
	}
}

func outcomeOf(err error) persistence.Outcome {
	switch {
	case err == nil:
		return persistence.OutcomeSucceeded
	case prediction.IsKind(err, prediction.ErrJobCanceled):
		return persistence.OutcomeCanceled
	default:
		return persistence.OutcomeFailed
	}
}

func handleOf(res *prediction.Result, err error) string {
	if res != nil {
		return string(res.Handle)
	}
	var perr *prediction.Error
	if errors.As(err, &perr) {
		if h, ok := perr.Context["handle"]; ok {
			return fmt.Sprint(h)
		}
	}
	return ""
}

// detectLanguage guesses the prompt language; short or mixed prompts come
// back as und.
func detectLanguage(text string) language.Tag {
	text = strings.TrimSpace(text)
	if text == "" {
		return language.Und
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return language.Und
	}
	return language.All.Make(info.Lang.Iso6391())
}
