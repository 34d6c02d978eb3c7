package prediction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type fakePredictor struct {
	mu          sync.Mutex
	createCalls int
	createErr   error
	createGate  chan struct{}
	waitErr     error
	cancelErr   error
	canceled    []Handle

	updates chan StatusUpdate
}

func newFakePredictor() *fakePredictor {
	return &fakePredictor{updates: make(chan StatusUpdate, 16)}
}

func (f *fakePredictor) Create(ctx context.Context, _ Request) (Handle, error) {
	f.mu.Lock()
	f.createCalls++
	n := f.createCalls
	gate := f.createGate
	err := f.createErr
	f.mu.Unlock()

	if gate != nil {
		// the remote call completes even if the caller gave up
		<-gate
	}
	if err != nil {
		return "", err
	}
	return Handle(fmt.Sprintf("pred-%d", n)), nil
}

func (f *fakePredictor) Wait(ctx context.Context, _ Handle, onUpdate func(StatusUpdate)) (StatusUpdate, error) {
	if f.waitErr != nil {
		return StatusUpdate{}, f.waitErr
	}
	for {
		select {
		case <-ctx.Done():
			return StatusUpdate{}, ctx.Err()
		case u := <-f.updates:
			onUpdate(u)
			if u.Status.Terminal() {
				return u, nil
			}
		}
	}
}

func (f *fakePredictor) Cancel(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, h)
	return f.cancelErr
}

func (f *fakePredictor) canceledHandles() []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Handle(nil), f.canceled...)
}

func (f *fakePredictor) send(u StatusUpdate) {
	f.updates <- u
}

type fakeLoader struct {
	mu     sync.Mutex
	fail   map[string]bool
	loaded []string
}

func (l *fakeLoader) Load(_ context.Context, ref string) (Image, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = append(l.loaded, ref)
	if l.fail[ref] {
		return Image{}, errors.New("bad image data")
	}
	return Image{Ref: ref, Data: []byte(ref), ContentType: "image/png", Width: 1, Height: 1}, nil
}

func (l *fakeLoader) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.loaded)
}

var testRequest = Request{Prompt: "a portrait of a woman img", InputImage: "https://example.com/in.jpg"}

func newTestController(t *testing.T, p Predictor, l ImageLoader, opts ...Option) (*Controller, *testingclock.FakeClock) {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(fc)}, opts...)
	c := NewController(p, l, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, fc
}

func waitJob(t *testing.T, job *Job) (*Result, error) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish")
	}
	return job.Wait(context.Background())
}

func eventuallySnapshot(t *testing.T, c *Controller, cond func(Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(c.Snapshot())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestController_SucceededLoadsImagesInOrder(t *testing.T) {
	p := newFakePredictor()
	l := &fakeLoader{}
	c, _ := newTestController(t, p, l)

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)

	p.send(StatusUpdate{Status: StatusStarting})
	eventuallySnapshot(t, c, func(s Snapshot) bool {
		return s.Status == StatusStarting && s.Progress >= 0.10
	})

	p.send(StatusUpdate{Status: StatusProcessing})
	eventuallySnapshot(t, c, func(s Snapshot) bool {
		return s.Status == StatusProcessing && s.Progress >= 0.20
	})

	p.send(StatusUpdate{Status: StatusSucceeded, Output: []string{"https://cdn/a.png", "https://cdn/b.png"}})

	res, err := waitJob(t, job)
	require.NoError(t, err)
	require.Len(t, res.Images, 2)
	assert.Equal(t, "https://cdn/a.png", res.Images[0].Ref)
	assert.Equal(t, "https://cdn/b.png", res.Images[1].Ref)
	assert.Empty(t, res.Failures)
	assert.Equal(t, Handle("pred-1"), res.Handle)

	snap := c.Snapshot()
	assert.Equal(t, StateTerminal, snap.State)
	assert.Equal(t, 1.0, snap.Progress)
	assert.Empty(t, snap.Handle)
}

func TestController_TimeEstimatorWinsOverProcessingFloor(t *testing.T) {
	p := newFakePredictor()
	c, fc := newTestController(t, p, &fakeLoader{})

	_, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)

	p.send(StatusUpdate{Status: StatusStarting})
	eventuallySnapshot(t, c, func(s Snapshot) bool { return s.Status == StatusStarting })
	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)

	fc.Step(20 * time.Second)
	eventuallySnapshot(t, c, func(s Snapshot) bool {
		return s.Progress > 0.66
	})

	p.send(StatusUpdate{Status: StatusProcessing})
	eventuallySnapshot(t, c, func(s Snapshot) bool { return s.Status == StatusProcessing })

	assert.InDelta(t, 20.0/30.0, c.Snapshot().Progress, 1e-6)
}

func TestController_TimeEstimatorCapsBelowOne(t *testing.T) {
	p := newFakePredictor()
	c, fc := newTestController(t, p, &fakeLoader{})

	_, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)
	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)

	fc.Step(5 * time.Minute)
	eventuallySnapshot(t, c, func(s Snapshot) bool { return s.Progress == timeEstimateCap })

	fc.Step(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, timeEstimateCap, c.Snapshot().Progress)
}

func TestController_SucceededStopsTimeEstimator(t *testing.T) {
	p := newFakePredictor()
	c, fc := newTestController(t, p, &fakeLoader{})

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)
	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)

	p.send(StatusUpdate{Status: StatusSucceeded, Output: []string{"https://cdn/a.png"}})
	_, err = waitJob(t, job)
	require.NoError(t, err)

	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	fc.Step(10 * time.Second)
	assert.Never(t, func() bool {
		select {
		case <-updates:
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1.0, c.Snapshot().Progress)
}

func TestController_UpdatesAreMonotonicAndEndAtTerminal(t *testing.T) {
	p := newFakePredictor()
	c, fc := newTestController(t, p, &fakeLoader{})

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)
	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)

	go func() {
		p.send(StatusUpdate{Status: StatusStarting})
		fc.Step(12 * time.Second)
		p.send(StatusUpdate{Status: StatusProcessing})
		fc.Step(3 * time.Second)
		p.send(StatusUpdate{Status: StatusProcessing})
		p.send(StatusUpdate{Status: StatusSucceeded, Output: []string{"https://cdn/a.png"}})
	}()

	var seen []Update
	for u := range job.Updates() {
		seen = append(seen, u)
	}
	require.NotEmpty(t, seen)

	assert.Equal(t, 0.0, seen[0].Progress)
	assert.Equal(t, StateActive, seen[0].State)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i].Progress, seen[i-1].Progress, "update %d regressed", i)
		assert.Equal(t, job.ID, seen[i].JobID)
	}
	last := seen[len(seen)-1]
	assert.Equal(t, StateTerminal, last.State)
	assert.Equal(t, 1.0, last.Progress)
}

func TestController_CancelBeforeAnyStatus(t *testing.T) {
	p := newFakePredictor()
	l := &fakeLoader{}
	c, _ := newTestController(t, p, l)

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)
	eventuallySnapshot(t, c, func(s Snapshot) bool { return s.Handle != "" })

	c.Cancel()

	_, err = waitJob(t, job)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrJobCanceled), "got %v", err)
	require.Eventually(t, func() bool {
		return len(p.canceledHandles()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, Handle("pred-1"), p.canceledHandles()[0])
	assert.Zero(t, l.calls())

	snap := c.Snapshot()
	assert.Equal(t, StateTerminal, snap.State)
	assert.Empty(t, snap.Handle)
}

func TestController_CancelDuringSubmissionCancelsOnceHandleArrives(t *testing.T) {
	p := newFakePredictor()
	p.createGate = make(chan struct{})
	l := &fakeLoader{}
	c, _ := newTestController(t, p, l)

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)

	c.Cancel()
	c.Cancel()
	close(p.createGate)

	_, err = waitJob(t, job)
	assert.True(t, IsKind(err, ErrJobCanceled), "got %v", err)
	require.Eventually(t, func() bool {
		return len(p.canceledHandles()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, l.calls())
}

func TestController_CancelWithoutJobIsNoop(t *testing.T) {
	p := newFakePredictor()
	c, _ := newTestController(t, p, &fakeLoader{})

	c.Cancel()
	c.Cancel()

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, p.canceledHandles())
}

func TestController_StartSupersedesActiveJob(t *testing.T) {
	p := newFakePredictor()
	c, fc := newTestController(t, p, &fakeLoader{})

	first, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)
	eventuallySnapshot(t, c, func(s Snapshot) bool { return s.Handle == "pred-1" })
	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)
	fc.Step(15 * time.Second)
	eventuallySnapshot(t, c, func(s Snapshot) bool { return s.Progress >= 0.5 })

	second, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)

	firstUpdate := <-second.Updates()
	assert.Equal(t, second.ID, firstUpdate.JobID)
	assert.Equal(t, 0.0, firstUpdate.Progress)

	_, err = waitJob(t, first)
	assert.True(t, IsKind(err, ErrJobCanceled), "got %v", err)
	require.Eventually(t, func() bool {
		handles := p.canceledHandles()
		return len(handles) == 1 && handles[0] == "pred-1"
	}, time.Second, 5*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, second.ID, snap.JobID)
	assert.Equal(t, StateActive, snap.State)
	assert.Less(t, snap.Progress, 0.5)

	eventuallySnapshot(t, c, func(s Snapshot) bool { return s.Handle == "pred-2" })
	p.send(StatusUpdate{Status: StatusSucceeded, Output: []string{"https://cdn/z.png"}})
	res, err := waitJob(t, second)
	require.NoError(t, err)
	assert.Len(t, res.Images, 1)
}

func TestController_PartialImageLoadIsTolerated(t *testing.T) {
	p := newFakePredictor()
	l := &fakeLoader{fail: map[string]bool{"https://cdn/b.png": true}}
	c, _ := newTestController(t, p, l)

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)
	p.send(StatusUpdate{Status: StatusSucceeded, Output: []string{"https://cdn/a.png", "https://cdn/b.png"}})

	res, err := waitJob(t, job)
	require.NoError(t, err)
	require.Len(t, res.Images, 1)
	assert.Equal(t, "https://cdn/a.png", res.Images[0].Ref)
	assert.Equal(t, []string{"https://cdn/b.png"}, res.Failures)
}

func TestController_AllImageLoadsFail(t *testing.T) {
	p := newFakePredictor()
	l := &fakeLoader{fail: map[string]bool{"https://cdn/a.png": true, "https://cdn/b.png": true}}
	c, _ := newTestController(t, p, l)

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)
	p.send(StatusUpdate{Status: StatusSucceeded, Output: []string{"https://cdn/a.png", "https://cdn/b.png"}})

	res, err := waitJob(t, job)
	assert.Nil(t, res)
	assert.True(t, IsKind(err, ErrNoImagesProduced), "got %v", err)
	assert.Contains(t, err.Error(), "ImageLoadFailed")
	assert.Equal(t, 2, l.calls())
	assert.Contains(t, c.Snapshot().Error, "NoImagesProduced")
}

func TestController_EmptyOutput(t *testing.T) {
	p := newFakePredictor()
	l := &fakeLoader{}
	c, _ := newTestController(t, p, l)

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)
	p.send(StatusUpdate{Status: StatusSucceeded})

	_, err = waitJob(t, job)
	assert.True(t, IsKind(err, ErrNoImagesProduced), "got %v", err)
	assert.Zero(t, l.calls())
}

func TestController_TerminalFailureSkipsImageLoads(t *testing.T) {
	tests := []struct {
		name   string
		update StatusUpdate
		kind   ErrorKind
	}{
		{name: "failed", update: StatusUpdate{Status: StatusFailed, Error: "CUDA out of memory", Output: []string{"x"}}, kind: ErrJobFailed},
		{name: "canceled", update: StatusUpdate{Status: StatusCanceled}, kind: ErrJobCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePredictor()
			l := &fakeLoader{}
			c, _ := newTestController(t, p, l)

			job, err := c.Start(context.Background(), testRequest)
			require.NoError(t, err)
			p.send(StatusUpdate{Status: StatusProcessing})
			p.send(tt.update)

			_, err = waitJob(t, job)
			assert.True(t, IsKind(err, tt.kind), "got %v", err)
			assert.Zero(t, l.calls())
			assert.Empty(t, p.canceledHandles())
			assert.Less(t, c.Snapshot().Progress, 1.0)
		})
	}
}

func TestController_FailedKeepsRemoteMessage(t *testing.T) {
	p := newFakePredictor()
	c, _ := newTestController(t, p, &fakeLoader{})

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)
	p.send(StatusUpdate{Status: StatusFailed, Error: "Cannot find the trigger word"})

	_, err = waitJob(t, job)
	assert.Contains(t, err.Error(), "Cannot find the trigger word")
}

func TestController_SubmissionFailed(t *testing.T) {
	p := newFakePredictor()
	p.createErr = errors.New("401 unauthorized")
	c, _ := newTestController(t, p, &fakeLoader{})

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)

	_, err = waitJob(t, job)
	assert.True(t, IsKind(err, ErrSubmissionFailed), "got %v", err)
	assert.Contains(t, err.Error(), "401 unauthorized")
	assert.Empty(t, p.canceledHandles())
}

func TestController_PollingFailed(t *testing.T) {
	p := newFakePredictor()
	p.waitErr = errors.New("connection reset by peer")
	c, _ := newTestController(t, p, &fakeLoader{})

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)

	_, err = waitJob(t, job)
	assert.True(t, IsKind(err, ErrPollingFailed), "got %v", err)
}

func TestController_DeadlineIsPollingFailure(t *testing.T) {
	p := newFakePredictor()
	c, fc := newTestController(t, p, &fakeLoader{}, WithDeadline(2*time.Minute))

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)
	eventuallySnapshot(t, c, func(s Snapshot) bool { return s.Handle != "" })

	fc.Step(time.Minute)
	select {
	case <-job.Done():
		t.Fatal("job ended before its deadline")
	case <-time.After(20 * time.Millisecond):
	}

	fc.Step(time.Minute)
	_, err = waitJob(t, job)
	assert.True(t, IsKind(err, ErrPollingFailed), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Eventually(t, func() bool {
		return len(p.canceledHandles()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestController_CancelBeforeDeadlineIsJobCanceled(t *testing.T) {
	p := newFakePredictor()
	c, fc := newTestController(t, p, &fakeLoader{}, WithDeadline(time.Minute))

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)
	eventuallySnapshot(t, c, func(s Snapshot) bool { return s.Handle != "" })

	c.Cancel()
	_, err = waitJob(t, job)
	assert.True(t, IsKind(err, ErrJobCanceled), "got %v", err)
	assert.ErrorIs(t, err, context.Canceled)

	fc.Step(2 * time.Minute)
	snap := c.Snapshot()
	assert.Equal(t, StateTerminal, snap.State)
	assert.Contains(t, snap.Error, "JobCanceled")
}

func TestController_RemoteCancelErrorIsSwallowed(t *testing.T) {
	p := newFakePredictor()
	p.cancelErr = errors.New("service unavailable")
	c, _ := newTestController(t, p, &fakeLoader{})

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)
	eventuallySnapshot(t, c, func(s Snapshot) bool { return s.Handle != "" })

	c.Cancel()
	_, err = waitJob(t, job)
	assert.True(t, IsKind(err, ErrJobCanceled), "got %v", err)
}

func TestController_InvalidRequestDoesNotSupersede(t *testing.T) {
	p := newFakePredictor()
	c, _ := newTestController(t, p, &fakeLoader{})

	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)

	_, err = c.Start(context.Background(), Request{Prompt: "missing image"})
	require.Error(t, err)

	snap := c.Snapshot()
	assert.Equal(t, job.ID, snap.JobID)
	assert.Equal(t, StateActive, snap.State)
}

func TestController_SubscribeReceivesUpdates(t *testing.T) {
	p := newFakePredictor()
	c, _ := newTestController(t, p, &fakeLoader{})

	updates, unsubscribe := c.Subscribe()
	job, err := c.Start(context.Background(), testRequest)
	require.NoError(t, err)

	select {
	case u := <-updates:
		assert.Equal(t, job.ID, u.JobID)
		assert.Equal(t, StateActive, u.State)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	unsubscribe()
	unsubscribe()
	for range updates {
	}
	_, ok := <-updates
	assert.False(t, ok)
}
