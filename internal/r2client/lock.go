package r2client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// ConditionalStore is the subset of object operations a Lock needs.
// *Client implements it.
type ConditionalStore interface {
	PutIfAbsent(ctx context.Context, key string, data []byte) (bool, string, error)
	PutIfMatch(ctx context.Context, key string, data []byte, etag string) (bool, string, error)
	Download(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
}

var _ ConditionalStore = (*Client)(nil)

// LockInfo is the JSON body of a lock object.
type LockInfo struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Lock is a lease held as an object. Only one instance can hold it until it
// expires; an expired lease can be taken over with a conditional write.
type Lock struct {
	store ConditionalStore
	key   string
	ttl   time.Duration
	owner string
	etag  string
	now   func() time.Time
}

// NewLock creates a lock on key held for ttl per acquisition.
func NewLock(store ConditionalStore, key string, ttl time.Duration) *Lock {
	return &Lock{
		store: store,
		key:   key,
		ttl:   ttl,
		owner: uuid.NewString(),
		now:   time.Now,
	}
}

// Owner returns the identifier written into the lock object.
func (l *Lock) Owner() string {
	return l.owner
}

// Acquire takes the lock. It returns false without error when another
// holder's lease is still valid.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	body, err := l.lease()
	if err != nil {
		return false, err
	}

	created, etag, err := l.store.PutIfAbsent(ctx, l.key, body)
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", l.key, err)
	}
	if created {
		l.etag = etag
		return true, nil
	}

	current, currentETag, err := l.read(ctx)
	if errors.Is(err, ErrNotFound) {
		// Released between our write and read; retry once from scratch.
		created, etag, err = l.store.PutIfAbsent(ctx, l.key, body)
		if err != nil || !created {
			return false, err
		}
		l.etag = etag
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", l.key, err)
	}
	if current != nil && l.now().Before(current.ExpiresAt) {
		return false, nil
	}

	taken, etag, err := l.store.PutIfMatch(ctx, l.key, body, currentETag)
	if err != nil {
		return false, fmt.Errorf("take over lock %q: %w", l.key, err)
	}
	if taken {
		l.etag = etag
	}
	return taken, nil
}

// Renew extends the lease. It returns false when the lock was lost.
func (l *Lock) Renew(ctx context.Context) (bool, error) {
	if l.etag == "" {
		return false, nil
	}
	body, err := l.lease()
	if err != nil {
		return false, err
	}
	updated, etag, err := l.store.PutIfMatch(ctx, l.key, body, l.etag)
	if err != nil {
		return false, fmt.Errorf("renew lock %q: %w", l.key, err)
	}
	if !updated {
		l.etag = ""
		return false, nil
	}
	l.etag = etag
	return true, nil
}

// Release deletes the lock object if this instance still owns it.
func (l *Lock) Release(ctx context.Context) error {
	defer func() { l.etag = "" }()

	current, _, err := l.read(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lock %q: %w", l.key, err)
	}
	if current != nil && current.Owner != l.owner {
		return nil
	}
	return l.store.Delete(ctx, l.key)
}

func (l *Lock) lease() ([]byte, error) {
	data, err := json.Marshal(LockInfo{Owner: l.owner, ExpiresAt: l.now().Add(l.ttl)})
	if err != nil {
		return nil, fmt.Errorf("encode lock: %w", err)
	}
	return data, nil
}

// read returns the current lease. A corrupt body yields a nil lease, which
// callers treat as expired.
func (l *Lock) read(ctx context.Context) (*LockInfo, string, error) {
	body, etag, err := l.store.Download(ctx, l.key)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", fmt.Errorf("read lock: %w", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, etag, nil
	}
	return &info, etag, nil
}
