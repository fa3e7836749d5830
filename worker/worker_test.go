package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replypilot/mailbox"
	"replypilot/models"
	"replypilot/repository/repotest"
	"replypilot/services/followup"
	"replypilot/services/inbox"
)

// recordingQueue captures enqueued tasks instead of delivering them.
type recordingQueue struct {
	mu     sync.Mutex
	tasks  []PollTask
	delays []time.Duration
}

func (q *recordingQueue) Enqueue(_ context.Context, task PollTask, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	q.delays = append(q.delays, delay)
	return nil
}

func (q *recordingQueue) Consume(ctx context.Context, _ func(context.Context, PollTask) error) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) Close() error { return nil }

type cycleFunc func(ctx context.Context, senderID uint) (*inbox.CycleResult, error)

func (f cycleFunc) RunCycle(ctx context.Context, senderID uint) (*inbox.CycleResult, error) {
	return f(ctx, senderID)
}

func newPoller(t *testing.T, run cycleFunc) (*InboxPoller, *recordingQueue, *repotest.MemoryStore) {
	t.Helper()
	q := &recordingQueue{}
	store := repotest.NewMemoryStore()
	p := NewInboxPoller(q, run, store, 2*time.Minute, 5*time.Minute, logrus.NewEntry(logrus.New()))
	return p, q, store
}

func ok(context.Context, uint) (*inbox.CycleResult, error) {
	return &inbox.CycleResult{}, nil
}

func TestInboxPoller_ReschedulesAfterSuccess(t *testing.T) {
	p, q, _ := newPoller(t, ok)
	require.NoError(t, p.Handle(context.Background(), NewPollTask(7)))

	require.Len(t, q.tasks, 1)
	assert.Equal(t, uint(7), q.tasks[0].SenderID)
	assert.Equal(t, 2*time.Minute, q.delays[0])
}

func TestInboxPoller_BacksOffAfterError(t *testing.T) {
	p, q, _ := newPoller(t, func(context.Context, uint) (*inbox.CycleResult, error) {
		return nil, errors.New("provider 503")
	})
	err := p.Handle(context.Background(), NewPollTask(7))
	assert.Error(t, err)

	require.Len(t, q.tasks, 1, "an erroring cycle must not end the chain")
	assert.Equal(t, 5*time.Minute, q.delays[0])
}

func TestInboxPoller_RecoversFromPanic(t *testing.T) {
	p, q, _ := newPoller(t, func(context.Context, uint) (*inbox.CycleResult, error) {
		panic("nil adapter")
	})
	var err error
	require.NotPanics(t, func() { err = p.Handle(context.Background(), NewPollTask(7)) })
	assert.ErrorContains(t, err, "nil adapter")

	require.Len(t, q.tasks, 1)
	assert.Equal(t, 5*time.Minute, q.delays[0])
}

func TestInboxPoller_EndsChain(t *testing.T) {
	cases := map[string]error{
		"paused":        inbox.ErrPaused,
		"not connected": &mailbox.ProviderNotConnectedError{SenderID: 7, Reason: "token expired"},
	}
	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			p, q, _ := newPoller(t, func(context.Context, uint) (*inbox.CycleResult, error) { return nil, cause })
			_ = p.Handle(context.Background(), NewPollTask(7))
			assert.Empty(t, q.tasks)
		})
	}
}

func TestInboxPoller_DropsDuplicateChains(t *testing.T) {
	calls := 0
	p, q, _ := newPoller(t, func(context.Context, uint) (*inbox.CycleResult, error) {
		calls++
		return &inbox.CycleResult{}, nil
	})
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	require.NoError(t, p.Handle(context.Background(), NewPollTask(7)))
	now = now.Add(10 * time.Second)
	require.NoError(t, p.Handle(context.Background(), NewPollTask(7)))
	assert.Equal(t, 1, calls)
	assert.Len(t, q.tasks, 1)

	now = now.Add(2 * time.Minute)
	require.NoError(t, p.Handle(context.Background(), NewPollTask(7)))
	assert.Equal(t, 2, calls)
}

func TestInboxPoller_StartStop(t *testing.T) {
	p, q, store := newPoller(t, ok)
	ctx := context.Background()
	sender := &models.Sender{FromEmail: "rep@acme.io"}
	store.AddSender(sender)

	require.NoError(t, p.Start(ctx, sender.ID))
	got, err := store.GetSender(ctx, sender.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AutomationActive, got.AutomationStatus)
	require.Len(t, q.tasks, 1)
	assert.Zero(t, q.delays[0])

	require.NoError(t, p.Stop(ctx, sender.ID))
	got, err = store.GetSender(ctx, sender.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AutomationPaused, got.AutomationStatus)
}

func TestInboxPoller_ResumeQueuesActiveAccounts(t *testing.T) {
	p, q, store := newPoller(t, ok)
	store.AddSender(&models.Sender{FromEmail: "a@acme.io", AutomationStatus: models.AutomationActive})
	store.AddSender(&models.Sender{FromEmail: "b@acme.io", AutomationStatus: models.AutomationPaused})
	store.AddSender(&models.Sender{FromEmail: "c@acme.io", AutomationStatus: models.AutomationActive})

	require.NoError(t, p.Resume(context.Background()))
	assert.Len(t, q.tasks, 2)
}

func TestMemoryQueue_DeliversAfterDelay(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, PollTask{ID: "late", SenderID: 2}, 50*time.Millisecond))
	require.NoError(t, q.Enqueue(ctx, PollTask{ID: "now", SenderID: 1}, 0))

	var got []string
	_ = q.Consume(ctx, func(_ context.Context, task PollTask) error {
		got = append(got, task.ID)
		if len(got) == 2 {
			cancel()
		}
		return nil
	})
	assert.Equal(t, []string{"now", "late"}, got)
}

func TestMemoryQueue_CloseRejects(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), PollTask{ID: "a"}, time.Hour))
	assert.Equal(t, 1, q.Pending())
	require.NoError(t, q.Close())
	assert.Zero(t, q.Pending())
	assert.ErrorIs(t, q.Enqueue(context.Background(), PollTask{ID: "b"}, 0), ErrQueueClosed)
}

type countingDispatcher struct {
	mu   sync.Mutex
	runs int
}

func (d *countingDispatcher) Run(context.Context) (*followup.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs++
	return &followup.Result{}, nil
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs
}

func TestFollowUpWorker_RunsImmediatelyAndOnTicks(t *testing.T) {
	d := &countingDispatcher{}
	w := NewFollowUpWorker(d, 20*time.Millisecond, logrus.NewEntry(logrus.New()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return d.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
