// Package repotest provides in-memory repositories and a manual clock for tests.
package repotest

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/repository"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Revocations is an in-memory RevocationRepository.
type Revocations struct {
	mu   sync.Mutex
	m    map[string]model.RevocationEntry
	Fail error // returned by every call when set
}

var _ repository.RevocationRepository = (*Revocations)(nil)

func NewRevocations() *Revocations { return &Revocations{m: map[string]model.RevocationEntry{}} }

func (r *Revocations) Revoke(_ context.Context, e model.RevocationEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return false, r.Fail
	}
	if _, ok := r.m[e.TokenID]; ok {
		return false, nil
	}
	r.m[e.TokenID] = e
	return true, nil
}

func (r *Revocations) IsRevoked(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return false, r.Fail
	}
	_, ok := r.m[id]
	return ok, nil
}

func (r *Revocations) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return 0, r.Fail
	}
	var n int64
	for id, e := range r.m {
		if !e.ExpiresAt.After(now) {
			delete(r.m, id)
			n++
		}
	}
	return n, nil
}

func (r *Revocations) Count(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return 0, r.Fail
	}
	return int64(len(r.m)), nil
}

// Lockouts is an in-memory LockoutRepository. A single mutex serializes Update.
type Lockouts struct {
	mu   sync.Mutex
	m    map[string]model.LockoutRecord
	Fail error

	// Replay, when set, returns a record that Update hands to fn once and
	// throws away before the real run, like a store retrying after a conflict.
	Replay func(username string) (model.LockoutRecord, bool)
}

var _ repository.LockoutRepository = (*Lockouts)(nil)

func NewLockouts() *Lockouts { return &Lockouts{m: map[string]model.LockoutRecord{}} }

func (l *Lockouts) Get(_ context.Context, username string) (*model.LockoutRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail != nil {
		return nil, l.Fail
	}
	rec, ok := l.m[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneLockout(rec), nil
}

func (l *Lockouts) Update(_ context.Context, username string, fn repository.LockoutFunc) (model.LockoutRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail != nil {
		return model.LockoutRecord{}, l.Fail
	}
	if l.Replay != nil {
		if stale, ok := l.Replay(username); ok {
			fn(cloneLockout(stale), true)
		}
	}
	cur, found := l.m[username]
	rec := model.LockoutRecord{Username: username}
	if found {
		rec = *cloneLockout(cur)
	}
	switch fn(&rec, found) {
	case repository.Save:
		l.m[username] = *cloneLockout(rec)
	case repository.Delete:
		delete(l.m, username)
		rec = model.LockoutRecord{Username: username}
	}
	return rec, nil
}

func (l *Lockouts) Delete(_ context.Context, username string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail != nil {
		return l.Fail
	}
	delete(l.m, username)
	return nil
}

func (l *Lockouts) DeleteExpired(_ context.Context, now, windowStart time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail != nil {
		return 0, l.Fail
	}
	var n int64
	for k, rec := range l.m {
		expiredLock := rec.LockUntil != nil && !rec.LockUntil.After(now)
		staleCount := rec.LockUntil == nil && rec.FirstAttemptAt.Before(windowStart)
		if expiredLock || staleCount {
			delete(l.m, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records.
func (l *Lockouts) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func cloneLockout(r model.LockoutRecord) *model.LockoutRecord {
	if r.LockUntil != nil {
		t := *r.LockUntil
		r.LockUntil = &t
	}
	return &r
}

// Buckets is an in-memory BucketRepository.
type Buckets struct {
	mu     sync.Mutex
	m      map[string]model.Bucket
	Fail   error
	Writes int // number of persisted updates

	// Replay works like Lockouts.Replay.
	Replay func(key string) (model.Bucket, bool)
}

var _ repository.BucketRepository = (*Buckets)(nil)

func NewBuckets() *Buckets { return &Buckets{m: map[string]model.Bucket{}} }

func (b *Buckets) Get(_ context.Context, key string) (*model.Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return nil, b.Fail
	}
	cur, ok := b.m[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &cur, nil
}

func (b *Buckets) Update(_ context.Context, key string, fn repository.BucketFunc) (model.Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return model.Bucket{}, b.Fail
	}
	if b.Replay != nil {
		if stale, ok := b.Replay(key); ok {
			fn(&stale, true)
		}
	}
	cur, found := b.m[key]
	if !found {
		cur = model.Bucket{Key: key}
	}
	if fn(&cur, found) {
		b.m[key] = cur
		b.Writes++
	}
	return cur, nil
}

func (b *Buckets) DeleteStale(_ context.Context, before time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail != nil {
		return 0, b.Fail
	}
	var n int64
	for k, v := range b.m {
		if v.LastAccessAt.Before(before) {
			delete(b.m, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored buckets.
func (b *Buckets) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.m)
}

// Users is an in-memory UserRepository.
type Users struct {
	mu sync.Mutex
	m  map[string]model.User
}

var _ repository.UserRepository = (*Users)(nil)

func NewUsers() *Users { return &Users{m: map[string]model.User{}} }

func (u *Users) Create(_ context.Context, usr *model.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.m[usr.Username]; ok {
		return errs.ErrAlreadyExists
	}
	u.m[usr.Username] = *usr
	return nil
}

func (u *Users) GetByUsername(_ context.Context, name string) (*model.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	usr, ok := u.m[name]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &usr, nil
}
