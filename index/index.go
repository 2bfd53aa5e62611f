// Package index keeps the secondary unique-key mappings (email,
// phone, referral code, member id) that point at member ids.
//
// Each namespace is one full-snapshot object under index/ in the
// store directory.  Every mutation of a namespace is a
// read-modify-write of the whole snapshot, serialized by an
// in-process mutex plus a flock on lock/index/<namespace> so that
// separate processes sharing the store also take turns.
package index

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/monoline/db"
)

// Namespace names one uniqueness domain.
type Namespace string

const (
	Email        Namespace = "email"
	Phone        Namespace = "phone"
	ReferralCode Namespace = "referralCode"
	MemberID     Namespace = "memberId"
)

// Namespaces lists every namespace in a fixed order.
var Namespaces = []Namespace{Email, Phone, ReferralCode, MemberID}

var (
	ErrConflict         = errors.New("key already bound to another id")
	ErrUnknownNamespace = errors.New("unknown namespace")
)

// Valid reports whether ns is one of Namespaces.
func (ns Namespace) Valid() bool {
	for _, n := range Namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// Normalize trims surrounding space and lower-cases emails.
func Normalize(ns Namespace, key string) string {
	key = strings.TrimSpace(key)
	if ns == Email {
		key = strings.ToLower(key)
	}
	return key
}

// Manager owns the index objects of one store.
type Manager struct {
	db *db.Db
	mu map[Namespace]*sync.Mutex
}

// New returns a Manager for the store at db.Dir.
func New(store *db.Db) *Manager {
	m := &Manager{db: store, mu: make(map[Namespace]*sync.Mutex)}
	for _, ns := range Namespaces {
		m.mu[ns] = &sync.Mutex{}
	}
	return m
}

func (m *Manager) path(ns Namespace) string {
	return filepath.Join(m.db.Dir, "index", string(ns))
}

func (m *Manager) lockPath(ns Namespace) string {
	return filepath.Join(m.db.Dir, "lock", "index", string(ns))
}

func (m *Manager) load(ns Namespace) (snap map[string]string, err error) {
	snap = make(map[string]string)
	buf, ok, err := db.ReadIf(m.path(ns))
	if err != nil || !ok {
		return
	}
	err = db.Decode(buf, &snap)
	if err != nil {
		return nil, errors.Wrapf(err, "index %s", ns)
	}
	if snap == nil {
		snap = make(map[string]string)
	}
	return
}

func (m *Manager) store(ns Namespace, snap map[string]string) (err error) {
	buf, err := db.Encode(snap)
	if err != nil {
		return
	}
	return db.WriteAtomic(m.path(ns), buf)
}

// update runs fn on the namespace snapshot inside the namespace's
// critical section and commits the snapshot if fn reports a change.
func (m *Manager) update(ctx context.Context, ns Namespace, fn func(snap map[string]string) (changed bool, err error)) (err error) {
	if !ns.Valid() {
		return errors.Wrapf(ErrUnknownNamespace, "%q", ns)
	}
	if err = ctx.Err(); err != nil {
		return
	}
	mu := m.mu[ns]
	mu.Lock()
	defer mu.Unlock()
	lock, err := db.LockFile(ctx, m.lockPath(ns), m.db.LockPoll)
	if err != nil {
		return
	}
	defer lock.Unlock()

	snap, err := m.load(ns)
	if err != nil {
		return
	}
	changed, err := fn(snap)
	if err != nil || !changed {
		return
	}
	return m.store(ns, snap)
}

// Lookup returns the id bound to key in ns.
func (m *Manager) Lookup(ctx context.Context, ns Namespace, key string) (id string, found bool, err error) {
	if !ns.Valid() {
		return "", false, errors.Wrapf(ErrUnknownNamespace, "%q", ns)
	}
	if err = ctx.Err(); err != nil {
		return
	}
	snap, err := m.load(ns)
	if err != nil {
		return
	}
	id, found = snap[Normalize(ns, key)]
	return
}

// InsertUnique binds key to id in ns.  Binding a key to the id it
// already has is a no-op; binding it to a different id fails with
// ErrConflict.
func (m *Manager) InsertUnique(ctx context.Context, ns Namespace, key, id string) error {
	key = Normalize(ns, key)
	if key == "" || id == "" {
		return errors.Errorf("index %s: empty key or id", ns)
	}
	return m.update(ctx, ns, func(snap map[string]string) (bool, error) {
		cur, ok := snap[key]
		if ok && cur == id {
			return false, nil
		}
		if ok {
			return false, errors.Wrapf(ErrConflict, "%s %q is bound to %s", ns, key, cur)
		}
		snap[key] = id
		log.Debugf("index %s: %q -> %s", ns, key, id)
		return true, nil
	})
}

// Remove unbinds key in ns.  Removing an absent key is a no-op.
func (m *Manager) Remove(ctx context.Context, ns Namespace, key string) error {
	key = Normalize(ns, key)
	return m.update(ctx, ns, func(snap map[string]string) (bool, error) {
		if _, ok := snap[key]; !ok {
			return false, nil
		}
		delete(snap, key)
		log.Debugf("index %s: removed %q", ns, key)
		return true, nil
	})
}

// RemoveIf unbinds key in ns only while it still points at id.
func (m *Manager) RemoveIf(ctx context.Context, ns Namespace, key, id string) error {
	key = Normalize(ns, key)
	return m.update(ctx, ns, func(snap map[string]string) (bool, error) {
		if cur, ok := snap[key]; !ok || cur != id {
			return false, nil
		}
		delete(snap, key)
		return true, nil
	})
}

// Snapshot returns a copy of the mapping held in ns.
func (m *Manager) Snapshot(ctx context.Context, ns Namespace) (snap map[string]string, err error) {
	if !ns.Valid() {
		return nil, errors.Wrapf(ErrUnknownNamespace, "%q", ns)
	}
	if err = ctx.Err(); err != nil {
		return
	}
	return m.load(ns)
}

// Keys returns the keys of snap in sorted order.
func Keys(snap map[string]string) (keys []string) {
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return
}
