package prediction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/MimeLyc/imagen-studio/pkg/log"
)

const (
	DefaultEstimatedDuration = 30 * time.Second
	DefaultTickInterval      = 500 * time.Millisecond
	DefaultCancelTimeout     = 10 * time.Second
	DefaultLoadConcurrency   = 4

	jobUpdatesBuffer = 64
	subscriberBuffer = 16
)

// Controller drives at most one remote prediction at a time and publishes a
// monotonic (status, progress) signal for it. All state changes happen under mu.
type Controller struct {
	predictor Predictor
	loader    ImageLoader

	clock           clock.WithTicker
	estimate        time.Duration
	tick            time.Duration
	deadline        time.Duration
	cancelTimeout   time.Duration
	loadConcurrency int
	newID           func() string

	mu       sync.Mutex
	state    State
	active   *Job
	status   Status
	progress meter
	lastErr  string
	subs     map[uint64]chan Update
	nextSub  uint64

	cancels sync.WaitGroup
}

type Option func(*Controller)

func WithClock(c clock.WithTicker) Option {
	return func(ctrl *Controller) {
		ctrl.clock = c
	}
}

// WithEstimatedDuration sets the total duration the time estimator assumes.
func WithEstimatedDuration(d time.Duration) Option {
	return func(ctrl *Controller) {
		if d > 0 {
			ctrl.estimate = d
		}
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(ctrl *Controller) {
		if d > 0 {
			ctrl.tick = d
		}
	}
}

// WithDeadline bounds a whole job. Zero disables the deadline.
func WithDeadline(d time.Duration) Option {
	return func(ctrl *Controller) {
		if d >= 0 {
			ctrl.deadline = d
		}
	}
}

func WithCancelTimeout(d time.Duration) Option {
	return func(ctrl *Controller) {
		if d > 0 {
			ctrl.cancelTimeout = d
		}
	}
}

func WithLoadConcurrency(n int) Option {
	return func(ctrl *Controller) {
		if n > 0 {
			ctrl.loadConcurrency = n
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(ctrl *Controller) {
		if fn != nil {
			ctrl.newID = fn
		}
	}
}

func NewController(predictor Predictor, loader ImageLoader, opts ...Option) *Controller {
	c := &Controller{
		predictor:       predictor,
		loader:          loader,
		clock:           clock.RealClock{},
		estimate:        DefaultEstimatedDuration,
		tick:            DefaultTickInterval,
		cancelTimeout:   DefaultCancelTimeout,
		loadConcurrency: DefaultLoadConcurrency,
		newID:           uuid.NewString,
		state:           StateIdle,
		subs:            make(map[uint64]chan Update),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Job is one submitted prediction.
type Job struct {
	ID        string
	Request   Request
	StartedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	estimate time.Duration

	// guarded by Controller.mu
	handle         Handle
	remoteCanceled bool
	timerStopped   bool
	stopTimer      chan struct{}
	updates        chan Update
	last           Update
	closed         bool

	done   chan struct{}
	result *Result
	err    error
}

// Updates streams this job's (status, progress) pairs. The first value is the
// reset to zero; the channel is closed after the terminal value. A slow reader
// may miss intermediate values.
func (j *Job) Updates() <-chan Update {
	return j.updates
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job ends or ctx is done.
func (j *Job) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start submits req, superseding any active job. Cancelling ctx cancels the job.
func (c *Controller) Start(ctx context.Context, req Request) (*Job, error) {
	req = req.Normalized()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	jobCtx, cancelCause := context.WithCancelCause(ctx)
	cancel := func() { cancelCause(context.Canceled) }
	if c.deadline > 0 {
		c.watchDeadline(jobCtx, cancelCause)
	}

	c.mu.Lock()
	if prev := c.active; prev != nil && c.state == StateActive {
		c.supersedeLocked(prev)
	}

	job := &Job{
		ID:        c.newID(),
		Request:   req,
		StartedAt: c.clock.Now(),
		ctx:       jobCtx,
		cancel:    cancel,
		estimate:  c.estimate,
		stopTimer: make(chan struct{}),
		updates:   make(chan Update, jobUpdatesBuffer),
		done:      make(chan struct{}),
	}
	c.active = job
	c.state = StateActive
	c.status = ""
	c.lastErr = ""
	c.progress.reset()
	c.publishLocked(job)
	c.mu.Unlock()

	log.Info("Prediction job %s started", job.ID)
	go c.drive(job)
	return job, nil
}

// Cancel stops the active job. It is a no-op when no job is active.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	job := c.active
	if job == nil || c.state != StateActive {
		return
	}
	log.Info("Cancelling prediction job %s", job.ID)
	job.cancel()
	c.stopTimerLocked(job)
	c.cancelRemoteLocked(job)
	job.handle = ""
}

// Snapshot returns the current state for readers.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:    c.state,
		Status:   c.status,
		Progress: c.progress.value,
		Error:    c.lastErr,
	}
	if c.active != nil {
		snap.JobID = c.active.ID
		snap.Handle = c.active.handle
		snap.StartedAt = c.active.StartedAt
	}
	return snap
}

// Subscribe returns a stream of every published update across jobs and a
// function that ends the subscription.
func (c *Controller) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

// SetEstimatedDuration changes the estimate used by jobs started afterwards.
func (c *Controller) SetEstimatedDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.estimate = d
	c.mu.Unlock()
}

// Close cancels the active job and waits for it and for pending remote cancels.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	job := c.active
	c.mu.Unlock()

	c.Cancel()
	if job != nil {
		select {
		case <-job.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	waited := make(chan struct{})
	go func() {
		c.cancels.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) drive(job *Job) {
	res, err := c.run(job)
	c.finish(job, res, err)
}

func (c *Controller) run(job *Job) (*Result, error) {
	ctx := job.ctx

	handle, err := c.predictor.Create(ctx, job.Request)
	if err == nil && handle != "" {
		c.setHandle(job, handle)
	}
	if ierr := c.interrupted(job); ierr != nil {
		return nil, ierr
	}
	if err != nil {
		return nil, WrapError(err, ErrSubmissionFailed, "create prediction")
	}
	if handle == "" {
		return nil, NewError(ErrSubmissionFailed, "create prediction returned an empty handle")
	}
	log.Info("Prediction job %s submitted as %s", job.ID, handle)

	c.startTimer(job)
	final, err := c.predictor.Wait(ctx, handle, func(u StatusUpdate) {
		c.applyStatus(job, u)
	})
	c.stopTimer(job)

	if ierr := c.interrupted(job); ierr != nil {
		return nil, ierr
	}
	if err != nil {
		return nil, WrapError(err, ErrPollingFailed, "wait for prediction").WithContext("handle", handle)
	}
	c.applyStatus(job, final)

	switch final.Status {
	case StatusSucceeded:
	case StatusFailed:
		msg := strings.TrimSpace(final.Error)
		if msg == "" {
			msg = "prediction failed"
		}
		return nil, NewError(ErrJobFailed, msg).WithContext("handle", handle)
	case StatusCanceled:
		return nil, NewError(ErrJobCanceled, "prediction canceled remotely").WithContext("handle", handle)
	default:
		return nil, NewError(ErrPollingFailed, fmt.Sprintf("wait ended with non-terminal status %q", final.Status)).
			WithContext("handle", handle)
	}

	return c.materialize(job, handle, final.Output)
}

// watchDeadline cancels ctx with context.DeadlineExceeded once the deadline
// passes on the controller clock.
func (c *Controller) watchDeadline(ctx context.Context, cancel context.CancelCauseFunc) {
	timer := c.clock.NewTimer(c.deadline)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C():
			cancel(context.DeadlineExceeded)
		}
	}()
}

// interrupted maps a done job context to its terminal error and fires the
// remote cancel.
func (c *Controller) interrupted(job *Job) error {
	if job.ctx.Err() == nil {
		return nil
	}
	c.cancelRemote(job)
	cause := context.Cause(job.ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return WrapError(cause, ErrPollingFailed, "job deadline exceeded")
	}
	return WrapError(cause, ErrJobCanceled, "job canceled")
}

func (c *Controller) materialize(job *Job, handle Handle, refs []string) (*Result, error) {
	if len(refs) == 0 {
		return nil, NewError(ErrNoImagesProduced, "prediction succeeded without output").WithContext("handle", handle)
	}

	images := make([]*Image, len(refs))
	errs := make([]error, len(refs))

	g, gctx := errgroup.WithContext(job.ctx)
	g.SetLimit(c.loadConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			img, err := c.loader.Load(gctx, ref)
			if err != nil {
				errs[i] = WrapError(err, ErrImageLoadFailed, "load image").WithContext("ref", ref)
				return nil
			}
			if img.Ref == "" {
				img.Ref = ref
			}
			images[i] = &img
			return nil
		})
	}
	_ = g.Wait()

	if ierr := c.interrupted(job); ierr != nil {
		return nil, ierr
	}

	res := &Result{JobID: job.ID, Handle: handle}
	var failures []error
	for i := range refs {
		if images[i] != nil {
			res.Images = append(res.Images, *images[i])
			continue
		}
		log.Warn("Prediction job %s: %v", job.ID, errs[i])
		res.Failures = append(res.Failures, refs[i])
		failures = append(failures, errs[i])
	}

	if len(res.Images) == 0 {
		return nil, WrapError(errors.Join(failures...), ErrNoImagesProduced, "no output image could be loaded").
			WithContext("handle", handle).
			WithContext("outputs", len(refs))
	}
	return res, nil
}

func (c *Controller) finish(job *Job, res *Result, err error) {
	c.mu.Lock()
	job.result, job.err = res, err
	c.stopTimerLocked(job)

	if c.active == job {
		c.state = StateTerminal
		job.handle = ""
		if err != nil {
			c.lastErr = err.Error()
		}
		c.publishLocked(job)
	} else {
		final := job.last
		final.State = StateTerminal
		final.At = c.clock.Now()
		if err != nil {
			final.Error = err.Error()
		}
		offer(job.updates, final)
	}
	job.closed = true
	close(job.updates)
	c.mu.Unlock()

	job.cancel()
	close(job.done)

	switch {
	case err == nil:
		log.Info("Prediction job %s succeeded with %d image(s)", job.ID, len(res.Images))
	case IsKind(err, ErrJobCanceled):
		log.Info("Prediction job %s canceled", job.ID)
	default:
		log.Error("Prediction job %s failed: %v", job.ID, err)
	}
}

// supersedeLocked moves the active job out of the way: active -> idle.
func (c *Controller) supersedeLocked(prev *Job) {
	log.Info("Prediction job %s superseded", prev.ID)
	prev.cancel()
	c.stopTimerLocked(prev)
	c.cancelRemoteLocked(prev)
	prev.handle = ""
	c.state = StateIdle
	c.publishLocked(prev)
}

func (c *Controller) setHandle(job *Job, h Handle) {
	c.mu.Lock()
	job.handle = h
	c.mu.Unlock()
}

func (c *Controller) cancelRemote(job *Job) {
	c.mu.Lock()
	c.cancelRemoteLocked(job)
	c.mu.Unlock()
}

// cancelRemoteLocked fires the remote cancel at most once per job and never
// waits for it.
func (c *Controller) cancelRemoteLocked(job *Job) {
	if job.remoteCanceled || job.handle == "" {
		return
	}
	job.remoteCanceled = true
	h := job.handle

	c.cancels.Add(1)
	go func() {
		defer c.cancels.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cancelTimeout)
		defer cancel()
		if err := c.predictor.Cancel(ctx, h); err != nil {
			log.Warn("Failed to cancel remote prediction %s: %v", h, err)
			return
		}
		log.Debug("Remote prediction %s cancel requested", h)
	}()
}

func (c *Controller) startTimer(job *Job) {
	c.mu.Lock()
	stopped := job.timerStopped
	c.mu.Unlock()
	if stopped {
		return
	}

	ticker := c.clock.NewTicker(c.tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-job.ctx.Done():
				return
			case <-job.stopTimer:
				return
			case <-ticker.C():
				c.applyTime(job)
			}
		}
	}()
}

func (c *Controller) stopTimer(job *Job) {
	c.mu.Lock()
	c.stopTimerLocked(job)
	c.mu.Unlock()
}

func (c *Controller) stopTimerLocked(job *Job) {
	if job.timerStopped {
		return
	}
	job.timerStopped = true
	close(job.stopTimer)
}

func (c *Controller) applyTime(job *Job) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != job || c.state != StateActive || job.timerStopped {
		return
	}
	candidate := timeEstimate(c.clock.Since(job.StartedAt), job.estimate)
	if c.progress.raise(candidate) {
		c.publishLocked(job)
	}
}

func (c *Controller) applyStatus(job *Job, u StatusUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != job || c.state != StateActive || u.Status == "" {
		return
	}
	changed := c.status != u.Status
	c.status = u.Status

	candidate, stop, ok := statusEstimate(u.Status, c.progress.value)
	if stop {
		c.stopTimerLocked(job)
	}
	raised := ok && c.progress.raise(candidate)
	if changed || raised {
		log.Debug("Prediction job %s status=%s progress=%.2f", job.ID, c.status, c.progress.value)
		c.publishLocked(job)
	}
}

func (c *Controller) publishLocked(job *Job) {
	u := Update{
		JobID:    job.ID,
		State:    c.state,
		Status:   c.status,
		Progress: c.progress.value,
		Error:    c.lastErr,
		At:       c.clock.Now(),
	}
	if !job.closed {
		job.last = u
		offer(job.updates, u)
	}
	for _, ch := range c.subs {
		offer(ch, u)
	}
}

// offer never blocks: when ch is full the oldest value is dropped. Callers
// hold Controller.mu, so there is a single sender per channel.
func offer(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- u:
	default:
	}
}
