// Package notify persists in-app notifications and pushes them to delivery
// channels without ever blocking the caller.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"equipment_lending/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Store interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

type Directory interface {
	ListUsersByRoles(ctx context.Context, roles []models.Role) ([]models.User, error)
}

// Dispatcher delivers a stored notification somewhere else (push, mail bridge).
type Dispatcher interface {
	Dispatch(ctx context.Context, n *models.Notification) error
}

type Notifier struct {
	store    Store
	dir      Directory
	dispatch []Dispatcher
	log      *zap.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
	now      func() time.Time
}

const defaultTimeout = 30 * time.Second

func New(store Store, dir Directory, log *zap.Logger, dispatchers ...Dispatcher) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		store:    store,
		dir:      dir,
		dispatch: dispatchers,
		log:      log,
		timeout:  defaultTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Send queues one notification. It returns immediately; failures are logged.
func (n *Notifier) Send(_ context.Context, userID, title, message string, sev models.Severity, relatedID string) {
	note := &models.Notification{
		ID:          uuid.NewString(),
		RecipientID: userID,
		Title:       title,
		Message:     message,
		Severity:    sev,
		RelatedID:   relatedID,
		CreatedAt:   n.now(),
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		n.deliver(ctx, note)
	}()
}

// Escalate sends to every user whose role holds the capability.
func (n *Notifier) Escalate(_ context.Context, c models.Capability, title, message string, sev models.Severity, relatedID string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		users, err := n.dir.ListUsersByRoles(ctx, models.RolesWith(c))
		if err != nil {
			n.log.Warn("escalation lookup failed", zap.String("capability", string(c)), zap.Error(err))
			return
		}
		for _, u := range users {
			n.deliver(ctx, &models.Notification{
				ID:          uuid.NewString(),
				RecipientID: u.ID,
				Title:       title,
				Message:     message,
				Severity:    sev,
				RelatedID:   relatedID,
				CreatedAt:   n.now(),
			})
		}
	}()
}

func (n *Notifier) deliver(ctx context.Context, note *models.Notification) {
	if err := n.store.CreateNotification(ctx, note); err != nil {
		n.log.Warn("notification not stored",
			zap.String("recipient", note.RecipientID),
			zap.String("title", note.Title),
			zap.Error(err),
		)
		return
	}
	for _, d := range n.dispatch {
		if err := d.Dispatch(ctx, note); err != nil {
			n.log.Warn("notification dispatch failed", zap.String("id", note.ID), zap.Error(err))
		}
	}
}

// Wait blocks until queued deliveries finish. Used on shutdown and in tests.
func (n *Notifier) Wait() { n.wg.Wait() }

// RedisDispatcher publishes each notification on the recipient's channel so
// connected clients can refresh their inbox.
type RedisDispatcher struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisDispatcher(rdb *redis.Client) *RedisDispatcher {
	return &RedisDispatcher{rdb: rdb, prefix: "lend:notify:"}
}

func (d *RedisDispatcher) Channel(userID string) string { return d.prefix + userID }

func (d *RedisDispatcher) Dispatch(ctx context.Context, n *models.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return d.rdb.Publish(ctx, d.Channel(n.RecipientID), b).Err()
}
