package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"replypilot/mailbox"
	"replypilot/metrics"
	"replypilot/models"
	"replypilot/repository"
	"replypilot/services/inbox"
	"replypilot/utils"
)

const (
	DefaultPollInterval  = 2 * time.Minute
	DefaultErrorInterval = 5 * time.Minute
)

type CycleRunner interface {
	RunCycle(ctx context.Context, senderID uint) (*inbox.CycleResult, error)
}

// InboxPoller runs inbox cycles from a Queue and schedules the next poll
// of each account after every cycle.
type InboxPoller struct {
	queue         Queue
	loop          CycleRunner
	store         repository.Store
	interval      time.Duration
	errorInterval time.Duration
	now           func() time.Time
	log           *logrus.Entry

	mu      sync.Mutex
	lastRun map[uint]time.Time
}

func NewInboxPoller(queue Queue, loop CycleRunner, store repository.Store, interval, errorInterval time.Duration, log *logrus.Entry) *InboxPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if errorInterval <= 0 {
		errorInterval = DefaultErrorInterval
	}
	return &InboxPoller{
		queue:         queue,
		loop:          loop,
		store:         store,
		interval:      interval,
		errorInterval: errorInterval,
		now:           time.Now,
		log:           log,
		lastRun:       map[uint]time.Time{},
	}
}

// Start flips an account to active and queues its first poll.
func (p *InboxPoller) Start(ctx context.Context, senderID uint) error {
	if err := p.store.SetSenderAutomation(ctx, senderID, models.AutomationActive); err != nil {
		return err
	}
	p.log.WithField("sender_id", senderID).Info("Inbox automation started")
	return p.queue.Enqueue(ctx, NewPollTask(senderID), 0)
}

// Stop flips the durable flag. The next poll sees it and ends the chain.
func (p *InboxPoller) Stop(ctx context.Context, senderID uint) error {
	if err := p.store.SetSenderAutomation(ctx, senderID, models.AutomationPaused); err != nil {
		return err
	}
	p.log.WithField("sender_id", senderID).Info("Inbox automation stopped")
	return nil
}

// Resume queues a poll for every active account. Used at startup when the
// queue does not persist tasks.
func (p *InboxPoller) Resume(ctx context.Context) error {
	senders, err := p.store.ListSenders(ctx, models.AutomationActive)
	if err != nil {
		return err
	}
	for _, s := range senders {
		if err := p.queue.Enqueue(ctx, NewPollTask(s.ID), 0); err != nil {
			p.log.WithError(err).WithField("sender_id", s.ID).Error("Failed to resume inbox polling")
		}
	}
	p.log.WithField("accounts", len(senders)).Info("Inbox polling resumed")
	return nil
}

// Run consumes poll tasks until ctx ends.
func (p *InboxPoller) Run(ctx context.Context) error {
	p.log.Info("Inbox poller started")
	defer p.log.Info("Inbox poller stopped")
	return p.queue.Consume(ctx, p.Handle)
}

// Handle runs one cycle and queues the next. Paused, disconnected and
// deleted accounts end their chain.
func (p *InboxPoller) Handle(ctx context.Context, task PollTask) error {
	log := p.log.WithFields(logrus.Fields{"sender_id": task.SenderID, "task_id": task.ID})
	if p.duplicate(task.SenderID) {
		log.Debug("Dropping duplicate poll task")
		return nil
	}

	err := p.runCycle(ctx, task.SenderID)
	var notConnected *mailbox.ProviderNotConnectedError
	switch {
	case errors.Is(err, inbox.ErrPaused):
		log.Info("Inbox automation paused, polling ended")
		return nil
	case errors.Is(err, repository.ErrNotFound):
		log.Warn("Sender account is gone, polling ended")
		return nil
	case errors.As(err, &notConnected):
		utils.LogError("inbox_not_connected", err, logrus.Fields{"sender_id": task.SenderID})
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}

	next := p.interval
	if err != nil {
		metrics.InboxCycleErrors.Inc()
		utils.LogError("inbox_cycle_failed", err, logrus.Fields{"sender_id": task.SenderID})
		next = p.errorInterval
	}
	if qerr := p.queue.Enqueue(ctx, NewPollTask(task.SenderID), next); qerr != nil {
		log.WithError(qerr).Error("Failed to schedule next poll")
		return qerr
	}
	return err
}

// runCycle turns a panic inside one account's cycle into an error so the
// consumer keeps serving the other accounts.
func (p *InboxPoller) runCycle(ctx context.Context, senderID uint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inbox cycle panicked: %v", r)
		}
	}()
	_, err = p.loop.RunCycle(ctx, senderID)
	return err
}

// duplicate drops a second poll chain for the same account, which can
// appear when automation is started twice.
func (p *InboxPoller) duplicate(senderID uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if last, ok := p.lastRun[senderID]; ok && now.Sub(last) < p.interval/2 {
		return true
	}
	p.lastRun[senderID] = now
	return false
}
