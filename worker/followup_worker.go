package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"replypilot/services/followup"
	"replypilot/utils"
)

const DefaultFollowUpInterval = 15 * time.Minute

type FollowUpRunner interface {
	Run(ctx context.Context) (*followup.Result, error)
}

// FollowUpWorker runs the dispatcher on a fixed interval.
type FollowUpWorker struct {
	dispatcher FollowUpRunner
	interval   time.Duration
	log        *logrus.Entry
}

func NewFollowUpWorker(dispatcher FollowUpRunner, interval time.Duration, log *logrus.Entry) *FollowUpWorker {
	if interval <= 0 {
		interval = DefaultFollowUpInterval
	}
	return &FollowUpWorker{dispatcher: dispatcher, interval: interval, log: log}
}

func (w *FollowUpWorker) Start(ctx context.Context) {
	w.log.WithField("interval", w.interval).Info("Follow-up worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Follow-up worker shutting down...")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *FollowUpWorker) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("Follow-up pass panicked")
		}
	}()
	if _, err := w.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
		utils.LogError("followup_run_failed", err, nil)
	}
}
