package cache

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyLocker serializes writers of the same derived key. Entries are
// refcounted and removed once the last holder releases, so the table only
// holds keys that are being written right now.
type keyLocker struct {
	entries *xsync.MapOf[string, *lockEntry]
}

func newKeyLocker() *keyLocker {
	return &keyLocker{entries: xsync.NewMapOf[string, *lockEntry]()}
}

// Lock acquires every key in sorted order and returns the release func.
func (l *keyLocker) Lock(keys ...string) (unlock func()) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	sorted = dedupe(sorted)

	held := make([]*lockEntry, 0, len(sorted))
	for _, key := range sorted {
		entry, _ := l.entries.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
			if !loaded {
				old = &lockEntry{}
			}
			old.refs++
			return old, false
		})
		entry.mu.Lock()
		held = append(held, entry)
	}

	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.entries.Compute(sorted[i], func(old *lockEntry, loaded bool) (*lockEntry, bool) {
				if !loaded {
					return old, true
				}
				old.refs--
				return old, old.refs == 0
			})
		}
	}
}

// Len returns the number of keys currently held or awaited.
func (l *keyLocker) Len() int {
	return l.entries.Size()
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for _, k := range sorted {
		if len(out) > 0 && out[len(out)-1] == k {
			continue
		}
		out = append(out, k)
	}
	return out
}
