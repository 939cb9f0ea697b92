// Package outbox runs durable outbound delivery: drafts are persisted
// first, then delivered by per-account workers with classified-failure
// backoff, so a crash never loses a queued message.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/retry"
	"github.com/brandon/mailsync/internal/smtpx"
	"github.com/brandon/mailsync/pkg/types"
)

// Store is the outbox persistence the service drives. cache.Store
// satisfies it.
type Store interface {
	Enqueue(item *types.OutboxItem) error
	NextReady(accountID string) (*types.OutboxItem, error)
	GetOutboxItem(id string) (*types.OutboxItem, error)
	MarkSending(id string) error
	MarkSent(id string) error
	MarkFailed(id, lastError string) error
	MarkCancelled(id string) error
	RetryItem(id string) error
	OutboxItems(accountID string) ([]types.OutboxItem, error)
}

// ConfigResolver maps an account id to its SMTP parameters.
type ConfigResolver func(accountID string) (smtpx.SendConfig, error)

// Options tunes the service.
type Options struct {
	// IdlePoll is how often a worker re-checks the queue when it saw
	// nothing ready. Workers are also kicked on every enqueue.
	IdlePoll time.Duration
	// OneShot disables background auto-retry of failed items so a
	// synchronous drain terminates; failed items then wait for an
	// explicit Retry call.
	OneShot bool
}

func (o Options) withDefaults() Options {
	if o.IdlePoll <= 0 {
		o.IdlePoll = 15 * time.Second
	}
	return o
}

// Service owns the outbox queue and its delivery workers.
type Service struct {
	store   Store
	smtp    smtpx.Client
	encode  func(types.Draft) ([]byte, error)
	resolve ConfigResolver
	tracker *retry.Tracker
	policy  retry.Policy
	logger  *logrus.Logger
	opts    Options

	mu          sync.Mutex
	workers     map[string]context.CancelFunc
	kicks       map[string]chan struct{}
	subscribers map[string][]chan []types.OutboxItem
	closed      bool
	wg          sync.WaitGroup
}

// New creates an outbox service. encode turns a draft into wire bytes.
func New(store Store, smtp smtpx.Client, encode func(types.Draft) ([]byte, error),
	resolve ConfigResolver, policy retry.Policy, logger *logrus.Logger, opts Options) *Service {
	return &Service{
		store:       store,
		smtp:        smtp,
		encode:      encode,
		resolve:     resolve,
		tracker:     retry.NewTracker(),
		policy:      policy,
		logger:      logger,
		opts:        opts.withDefaults(),
		workers:     make(map[string]context.CancelFunc),
		kicks:       make(map[string]chan struct{}),
		subscribers: make(map[string][]chan []types.OutboxItem),
	}
}

// Enqueue validates and persists a draft as a pending item, starts the
// account's worker if needed, and returns the item id. Enqueue returns
// before any delivery attempt happens.
func (s *Service) Enqueue(accountID string, draft types.Draft) (string, error) {
	if err := draft.Validate(); err != nil {
		return "", err
	}
	item := &types.OutboxItem{
		ID:        uuid.NewString(),
		AccountID: accountID,
		CreatedAt: time.Now().UTC(),
		Status:    types.OutboxPending,
		Draft:     draft,
	}
	if err := s.store.Enqueue(item); err != nil {
		return "", err
	}
	s.logger.WithFields(logrus.Fields{
		"account": accountID,
		"item":    item.ID,
	}).Info("Queued outbound message")

	s.publish(accountID)
	if !s.opts.OneShot {
		s.startWorker(accountID)
	}
	s.kick(accountID)
	return item.ID, nil
}

// Retry moves a failed item back to pending and kicks the worker.
func (s *Service) Retry(id string) error {
	item, err := s.store.GetOutboxItem(id)
	if err != nil {
		return err
	}
	if err := s.store.RetryItem(id); err != nil {
		return err
	}
	s.publish(item.AccountID)
	s.kick(item.AccountID)
	return nil
}

// Cancel marks an item cancelled. A cancel that races an in-flight
// attempt does not abort the attempt, but the terminal transition to
// sent or failed will fail and the item stays cancelled.
func (s *Service) Cancel(id string) error {
	item, err := s.store.GetOutboxItem(id)
	if err != nil {
		return err
	}
	if err := s.store.MarkCancelled(id); err != nil {
		return err
	}
	s.publish(item.AccountID)
	return nil
}

// Items lists the account's outbox, oldest first.
func (s *Service) Items(accountID string) ([]types.OutboxItem, error) {
	return s.store.OutboxItems(accountID)
}

// Subscribe registers an observer that receives a full queue snapshot
// after every state change. Slow observers miss intermediate snapshots
// rather than blocking delivery.
func (s *Service) Subscribe(accountID string) <-chan []types.OutboxItem {
	ch := make(chan []types.OutboxItem, 4)
	s.mu.Lock()
	s.subscribers[accountID] = append(s.subscribers[accountID], ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) publish(accountID string) {
	items, err := s.store.OutboxItems(accountID)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to snapshot outbox")
		return
	}
	s.mu.Lock()
	subs := append([]chan []types.OutboxItem(nil), s.subscribers[accountID]...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- items:
		default:
		}
	}
}

// ProcessOutbox synchronously drains the account's pending items,
// attempting each once. Failed items stay failed; it returns once
// nothing is pending.
func (s *Service) ProcessOutbox(ctx context.Context, accountID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := s.store.NextReady(accountID)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}
		s.attempt(ctx, item)
	}
}

// startWorker launches the account's background worker if not running.
func (s *Service) startWorker(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.workers[accountID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.workers[accountID] = cancel
	kick := make(chan struct{}, 1)
	s.kicks[accountID] = kick
	s.wg.Add(1)
	go s.run(ctx, accountID, kick)
}

func (s *Service) kick(accountID string) {
	s.mu.Lock()
	ch := s.kicks[accountID]
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// run is the per-account delivery loop. One item is in flight at a
// time; a failure backs the whole account off before the item is
// re-pended and retried.
func (s *Service) run(ctx context.Context, accountID string, kick chan struct{}) {
	defer s.wg.Done()
	for {
		item, err := s.store.NextReady(accountID)
		if err != nil {
			s.logger.WithError(err).WithField("account", accountID).Error("Outbox dequeue failed")
		} else if item != nil {
			deliverErr := s.attempt(ctx, item)
			if deliverErr != nil {
				// Wait out the backoff, then move the item back to
				// pending unless it was cancelled meanwhile.
				key := types.RetryKey{AccountID: accountID, Host: s.hostFor(accountID)}
				delay := s.policy.Delay(retry.Classify(deliverErr), s.tracker.Failures(key))
				if !s.sleep(ctx, delay) {
					return
				}
				if err := s.store.RetryItem(item.ID); err == nil {
					s.publish(accountID)
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-kick:
		case <-time.After(s.opts.IdlePoll):
		}
	}
}

// attempt runs one delivery attempt. It returns nil on success and
// also when the item was cancelled out from under us; only a real
// delivery failure comes back as an error.
func (s *Service) attempt(ctx context.Context, item *types.OutboxItem) error {
	log := s.logger.WithFields(logrus.Fields{
		"account": item.AccountID,
		"item":    item.ID,
	})
	if err := s.store.MarkSending(item.ID); err != nil {
		// Lost the race with a cancel; nothing to deliver.
		log.WithError(err).Debug("Skipping item not in pending state")
		return nil
	}
	s.publish(item.AccountID)

	key := types.RetryKey{AccountID: item.AccountID, Host: s.hostFor(item.AccountID)}
	err := s.deliver(ctx, item)
	if err != nil {
		n := s.tracker.Failure(key)
		if markErr := s.store.MarkFailed(item.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Warn("Failed to record delivery failure")
		}
		s.publish(item.AccountID)
		log.WithError(err).WithFields(logrus.Fields{
			"kind":     string(retry.Classify(err)),
			"failures": n,
		}).Warn("Delivery attempt failed")
		return err
	}

	s.tracker.Success(key)
	if err := s.store.MarkSent(item.ID); err != nil {
		log.WithError(err).Warn("Failed to record delivery")
	}
	s.publish(item.AccountID)
	log.Info("Delivered outbox item")
	return nil
}

func (s *Service) deliver(ctx context.Context, item *types.OutboxItem) error {
	cfg, err := s.resolve(item.AccountID)
	if err != nil {
		return err
	}
	draft := item.Draft
	if draft.From == "" {
		draft.From = cfg.Sender()
	}
	raw, err := s.encode(draft)
	if err != nil {
		return err
	}
	return s.smtp.Send(ctx, raw, cfg, draft.Recipients())
}

func (s *Service) hostFor(accountID string) string {
	cfg, err := s.resolve(accountID)
	if err != nil {
		return ""
	}
	return cfg.Host
}

// sleep waits for d or until the context ends; it reports whether the
// worker should keep running.
func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close stops all workers and waits for in-flight attempts to finish.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.workers {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
