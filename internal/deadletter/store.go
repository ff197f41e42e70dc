// Package deadletter keeps events that exhausted their delivery attempts,
// one queue per topic and subscriber, for inspection and replay
package deadletter

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

type (
	// Store holds dead letters grouped by topic and subscriber
	Store interface {
		Put(ctx context.Context, dl *api.DeadLetter) error
		List(
			ctx context.Context, topic api.Topic, subscriber string,
		) ([]*api.DeadLetter, error)
		Take(
			ctx context.Context, topic api.Topic, subscriber, id string,
		) (*api.DeadLetter, error)
		Count(
			ctx context.Context, topic api.Topic, subscriber string,
		) (int, error)
		Close() error
	}

	// Redeliverer hands a replayed event back to the one subscriber that
	// dead-lettered it
	Redeliverer interface {
		Redeliver(ctx context.Context, subscriber string, e *api.Event) error
	}

	// TeeStore writes every dead letter to a primary Store and copies it to
	// any number of secondary ones. Reads go to the primary only
	TeeStore struct {
		Store
		copies []Store
	}
)

var (
	ErrNotFound        = errors.New("dead letter not found")
	ErrMissingLocation = errors.New("dead letter requires topic and subscriber")
)

// QueueName names the dead-letter queue of one subscriber of a topic
func QueueName(topic api.Topic, subscriber string) string {
	return string(topic) + "." + subscriber
}

// Tee creates a TeeStore over primary and copies
func Tee(primary Store, copies ...Store) *TeeStore {
	return &TeeStore{Store: primary, copies: copies}
}

// Put stores dl in the primary and then in each copy. Failures of copies
// are logged but don't fail the put
func (t *TeeStore) Put(ctx context.Context, dl *api.DeadLetter) error {
	if err := t.Store.Put(ctx, dl); err != nil {
		return err
	}
	for _, c := range t.copies {
		if err := c.Put(ctx, dl); err != nil {
			slog.Warn("Dead letter copy failed",
				log.Topic(dl.Topic),
				log.Subscriber(dl.Subscriber),
				log.Error(err))
		}
	}
	return nil
}

// Close closes the primary and every copy
func (t *TeeStore) Close() error {
	errs := []error{t.Store.Close()}
	for _, c := range t.copies {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Replay takes every dead letter of one subscriber out of store and
// redelivers its original event to that subscriber, keeping the event's
// trace id. A letter that fails to redeliver is put back. Replay stops at
// the first failure and returns how many were replayed
func Replay(
	ctx context.Context, store Store, to Redeliverer,
	topic api.Topic, subscriber string,
) (int, error) {
	letters, err := store.List(ctx, topic, subscriber)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, dl := range letters {
		taken, err := store.Take(ctx, topic, subscriber, dl.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		ev := taken.Event.Clone()
		ev.ID = ""
		if err := to.Redeliver(ctx, subscriber, ev); err != nil {
			if perr := store.Put(ctx, taken); perr != nil {
				err = errors.Join(err, perr)
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func checkLetter(dl *api.DeadLetter) error {
	if dl == nil || dl.Topic == "" || dl.Subscriber == "" {
		return ErrMissingLocation
	}
	return nil
}

func sortLetters(letters []*api.DeadLetter) {
	slices.SortStableFunc(letters, func(l, r *api.DeadLetter) int {
		return cmp.Compare(l.FailedAt.UnixNano(), r.FailedAt.UnixNano())
	})
}
