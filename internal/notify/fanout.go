package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"circles/api/internal/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink persists notification rows. It is the only channel whose failure fails Send.
type Sink interface {
	InsertNotifications(ctx context.Context, items []Notification) error
}

// Channel delivers an already persisted batch somewhere else: a live socket,
// email, a push service.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, payload Payload, memberIDs []string) error
}

type Options struct {
	BatchSize int
	Workers   int
	// DeliveryTimeout bounds one background delivery run across all channels.
	DeliveryTimeout time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

type Fanout struct {
	sink            Sink
	channels        []Channel
	batchSize       int
	workers         int
	deliveryTimeout time.Duration
	logger          *zap.Logger
	now             func() time.Time
	wg              sync.WaitGroup
}

func NewFanout(sink Sink, opts Options, channels ...Channel) *Fanout {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fanout{
		sink:            sink,
		channels:        channels,
		batchSize:       opts.BatchSize,
		workers:         opts.Workers,
		deliveryTimeout: opts.DeliveryTimeout,
		logger:          opts.Logger,
		now:             opts.Now,
	}
}

// Send persists one notification per recipient, batch by batch, and returns once
// every batch is stored. Delivery to the channels then runs in the background,
// detached from ctx cancellation; channel errors are logged, not returned.
func (f *Fanout) Send(ctx context.Context, payload Payload, recipients []string) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}
	data, err := json.Marshal(payload.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal notification data: %w", err)
	}
	if payload.Data == nil {
		data = nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(f.workers)
	createdAt := f.now().UTC()
	batches := Batches(recipients, f.batchSize)

	for _, batch := range batches {
		group.Go(func() error {
			items := make([]Notification, 0, len(batch))
			for _, memberID := range batch {
				items = append(items, Notification{
					ID:        util.NewID("ntf"),
					MemberID:  memberID,
					OrgID:     payload.OrgID,
					TeamID:    payload.TeamID,
					Category:  payload.Category,
					Title:     payload.Title,
					Body:      payload.Body,
					TargetID:  payload.TargetID,
					Link:      payload.Link,
					Data:      data,
					CreatedAt: createdAt,
				})
			}
			if err := f.sink.InsertNotifications(groupCtx, items); err != nil {
				return fmt.Errorf("persist notification batch: %w", err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return 0, err
	}
	f.deliver(context.WithoutCancel(ctx), payload, batches)
	return len(recipients), nil
}

// deliver starts one bounded worker group per channel so a slow channel only
// holds its own slots.
func (f *Fanout) deliver(ctx context.Context, payload Payload, batches [][]string) {
	for _, channel := range f.channels {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			deliverCtx, cancel := context.WithTimeout(ctx, f.deliveryTimeout)
			defer cancel()

			var group errgroup.Group
			group.SetLimit(f.workers)
			for _, batch := range batches {
				group.Go(func() error {
					if err := channel.Deliver(deliverCtx, payload, batch); err != nil {
						f.logger.Warn("notification delivery failed",
							zap.String("channel", channel.Name()),
							zap.String("category", string(payload.Category)),
							zap.Int("recipients", len(batch)),
							zap.Error(err),
						)
					}
					return nil
				})
			}
			_ = group.Wait()
		}()
	}
}

// Wait blocks until background deliveries finish.
func (f *Fanout) Wait() {
	f.wg.Wait()
}
