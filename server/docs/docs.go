// Package docs provides document locks as an ordinary request/response
// protocol over the bus. A lock is owned by the connection which took it
// and is released when that connection closes.
package docs

import (
	"context"
	"errors"

	"github.com/tinode/bus/server/bus"
	"github.com/tinode/bus/server/logs"
)

var (
	// ErrLocked means the document is locked by another owner.
	ErrLocked = errors.New("docs: document is locked")
	// ErrNotLocked means there is no lock to release.
	ErrNotLocked = errors.New("docs: document is not locked")
	// ErrNotOwner means the lock is held by another owner.
	ErrNotOwner = errors.New("docs: lock is held by another owner")
)

// Key identifies a document.
type Key struct {
	Collection string
	Id         string
}

func (k Key) String() string {
	return k.Collection + "/" + k.Id
}

// LockStore keeps document locks.
type LockStore interface {
	// Lock takes the lock for owner. Taking a lock already held by the same
	// owner succeeds; ErrLocked is returned if another owner holds it.
	Lock(ctx context.Context, key Key, owner string) error
	// Unlock releases the lock held by owner.
	Unlock(ctx context.Context, key Key, owner string) error
	// IsLocked reports whether anyone holds the lock.
	IsLocked(ctx context.Context, key Key) (bool, error)
	// ReleaseOwner drops all locks of owner and returns their number.
	ReleaseOwner(ctx context.Context, owner string) (int, error)
	// Close releases resources of the store.
	Close() error
}

// LockDocReq requests a document lock.
type LockDocReq struct {
	Collection string `json:"collection"`
	Id         string `json:"id"`
}

func (LockDocReq) Code() string { return "lock_doc_req" }

// UnlockDocReq releases a document lock.
type UnlockDocReq struct {
	Collection string `json:"collection"`
	Id         string `json:"id"`
}

func (UnlockDocReq) Code() string { return "unlock_doc_req" }

// CheckLockDocReq asks whether a document is locked.
type CheckLockDocReq struct {
	Collection string `json:"collection"`
	Id         string `json:"id"`
}

func (CheckLockDocReq) Code() string { return "check_lock_doc_req" }

// FlagEvt is a boolean reply.
type FlagEvt struct {
	Val bool `json:"val"`
}

func (FlagEvt) Code() string { return "flag_evt" }

// Types returns message types of the package for bus registration.
func Types() []bus.Codable {
	return []bus.Codable{LockDocReq{}, UnlockDocReq{}, CheckLockDocReq{}, FlagEvt{}}
}

func makeKey(collection, id string) (Key, error) {
	if collection == "" || id == "" {
		return Key{}, bus.NewErr(bus.ErrCodeVal, "collection and id are required")
	}
	return Key{Collection: collection, Id: id}, nil
}

// owner of locks taken by the current dispatch. Bus-internal requests
// share one owner.
func owner(ctx context.Context) string {
	if consid := bus.ConsID(ctx); consid != "" {
		return consid
	}
	return "bus"
}

// storeErr converts store errors into replies.
func storeErr(err error) error {
	switch {
	case errors.Is(err, ErrLocked):
		return bus.NewErr(bus.ErrCodeLocked, err.Error())
	case errors.Is(err, ErrNotLocked):
		return bus.NewErr(bus.ErrCodeNotFound, err.Error())
	case errors.Is(err, ErrNotOwner):
		return bus.NewErr(bus.ErrCodeForbidden, err.Error())
	}
	return err
}

// Register subscribes lock handlers backed by store.
func Register(b *bus.Bus, store LockStore) error {
	if err := b.Register(Types()...); err != nil {
		return err
	}

	if _, err := bus.Sub(b, func(ctx context.Context, req LockDocReq) (any, error) {
		key, err := makeKey(req.Collection, req.Id)
		if err != nil {
			return nil, err
		}
		if err := store.Lock(ctx, key, owner(ctx)); err != nil {
			return nil, storeErr(err)
		}
		return bus.OkEvt{}, nil
	}); err != nil {
		return err
	}

	if _, err := bus.Sub(b, func(ctx context.Context, req UnlockDocReq) (any, error) {
		key, err := makeKey(req.Collection, req.Id)
		if err != nil {
			return nil, err
		}
		if err := store.Unlock(ctx, key, owner(ctx)); err != nil {
			return nil, storeErr(err)
		}
		return bus.OkEvt{}, nil
	}); err != nil {
		return err
	}

	_, err := bus.Sub(b, func(ctx context.Context, req CheckLockDocReq) (any, error) {
		key, err := makeKey(req.Collection, req.Id)
		if err != nil {
			return nil, err
		}
		locked, err := store.IsLocked(ctx, key)
		if err != nil {
			return nil, err
		}
		return FlagEvt{Val: locked}, nil
	})
	return err
}

// ReleaseFunc returns a connection close callback which drops the locks of
// the closed connection.
func ReleaseFunc(store LockStore) func(consid string) {
	return func(consid string) {
		n, err := store.ReleaseOwner(context.Background(), consid)
		if err != nil {
			logs.Warn.Println("docs: failed to release locks of", consid, err)
		} else if n > 0 {
			logs.Info.Println("docs: released locks of closed connection", consid, n)
		}
	}
}
