package notifier

import (
	"context"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/coocood/freecache"
)

// minDedupBytes is freecache's floor; smaller sizes are rounded up by it.
const minDedupBytes = 512 * 1024

// dedupEntryBytes is a rough per-key budget (key + 8 byte deadline + header).
const dedupEntryBytes = 128

// suppressor remembers which (owner, subscription, reason) notices went out
// recently. Entries expire on their own; a full cache evicts the oldest.
type suppressor struct {
	cache *freecache.Cache
	store DedupStore // optional, survives restarts
}

func newSuppressor(maxEntries int, store DedupStore) *suppressor {
	return &suppressor{
		cache: freecache.NewCache(max(maxEntries*dedupEntryBytes, minDedupBytes)),
		store: store,
	}
}

func dedupKey(n Notice) string {
	return "notice|" + strconv.FormatInt(n.OwnerID, 10) + "|" + n.SubscriptionID + "|" + n.Reason
}

// claim reports whether key may be sent now and, if so, marks it for window.
// The returned deadline is zero when the notice is suppressed.
func (d *suppressor) claim(ctx context.Context, key string, window time.Duration, now time.Time) (time.Time, bool) {
	if _, ok := d.lookup(key, now); ok {
		return time.Time{}, false
	}
	if d.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := d.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			d.remember(key, until, now)
			return time.Time{}, false
		}
	}
	until := now.Add(window)
	d.remember(key, until, now)
	return until, true
}

func (d *suppressor) lookup(key string, now time.Time) (time.Time, bool) {
	v, err := d.cache.Get([]byte(key))
	if err != nil || len(v) != 8 {
		return time.Time{}, false
	}
	until := time.Unix(0, int64(binary.BigEndian.Uint64(v)))
	return until, now.Before(until)
}

func (d *suppressor) remember(key string, until, now time.Time) {
	ttl := int(until.Sub(now).Seconds()) + 1
	if ttl <= 0 {
		return
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(until.UnixNano()))
	_ = d.cache.Set([]byte(key), v[:], ttl)
}
