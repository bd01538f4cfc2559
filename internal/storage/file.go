package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"reportbot/internal/subscription"
	logx "reportbot/pkg/logx"
)

// fileStore keeps everything in plain files.
//
// Files:
//   - <prefix>.subscriptions.json  (full snapshot, rewritten atomically)
//   - <prefix>.attempts.jsonl      (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// The dedup journal is periodically compacted into its snapshot.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	subsPath string
	subs     map[string]record

	attemptsFile *os.File
	last         map[string]attemptRecord

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:               log.With(logx.String("comp", "storage"), logx.String("driver", "file")),
		now:               time.Now,
		subsPath:          prefix + ".subscriptions.json",
		subs:              map[string]record{},
		last:              map[string]attemptRecord{},
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},
	}
	if err := loadJSON(st.subsPath, &st.subs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, unavailable("load subscriptions", err)
	}
	if st.subs == nil {
		st.subs = map[string]record{}
	}

	attemptsPath := prefix + ".attempts.jsonl"
	_ = replayAttempts(attemptsPath, st.last)
	af, err := os.OpenFile(attemptsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	st.attemptsFile = af

	_ = loadJSON(st.dedupSnapshotPath, &st.dedup)
	if st.dedup == nil {
		st.dedup = map[string]int64{}
	}
	journalPath := prefix + ".dedup.journal.jsonl"
	_ = replayDedupJournal(journalPath, st.dedup)
	pruneExpiredDedup(st.dedup, st.now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	st.dedupJournalFile = jf
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.attemptsFile != nil {
		errs = append(errs, s.attemptsFile.Close())
		s.attemptsFile = nil
	}
	if s.dedupJournalFile != nil {
		errs = append(errs, s.dedupJournalFile.Close())
		s.dedupJournalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) Upsert(_ context.Context, sub subscription.Subscription) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	r := toRecord(sub)

	prev, existed := record{}, false
	for id, cur := range s.subs {
		if cur.OwnerID == r.OwnerID && cur.Identity == r.Identity {
			prev, existed = cur, true
			r.ID, r.CreatedAt = id, cur.CreatedAt
			break
		}
	}
	if !existed {
		r.ID = uuid.NewString()
	}
	s.subs[r.ID] = r
	if err := s.flushLocked(); err != nil {
		if existed {
			s.subs[r.ID] = prev
		} else {
			delete(s.subs, r.ID)
		}
		return "", unavailable("upsert subscription", err)
	}
	return r.ID, nil
}

func (s *fileStore) Get(_ context.Context, id string) (subscription.Subscription, error) {
	s.mu.Lock()
	r, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	sub, err := r.subscription()
	if err != nil {
		return subscription.Subscription{}, unavailable("get subscription", err)
	}
	return sub, nil
}

func (s *fileStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.subs[id]
	if !ok {
		return false, nil
	}
	delete(s.subs, id)
	if err := s.flushLocked(); err != nil {
		s.subs[id] = prev
		return false, unavailable("delete subscription", err)
	}
	delete(s.last, id)
	return true, nil
}

func (s *fileStore) DeleteByOwner(_ context.Context, ownerID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := map[string]record{}
	for id, r := range s.subs {
		if r.OwnerID == ownerID {
			removed[id] = r
			delete(s.subs, id)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.flushLocked(); err != nil {
		for id, r := range removed {
			s.subs[id] = r
		}
		return 0, unavailable("delete owner", err)
	}
	for id := range removed {
		delete(s.last, id)
	}
	return len(removed), nil
}

func (s *fileStore) SetActive(_ context.Context, id string, active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.subs[id]
	if !ok {
		return false, nil
	}
	next := prev
	next.Active = active
	next.UpdatedAt = s.now().UnixMilli()
	s.subs[id] = next
	if err := s.flushLocked(); err != nil {
		s.subs[id] = prev
		return false, unavailable("set active", err)
	}
	return true, nil
}

func (s *fileStore) ListActive(_ context.Context) ([]subscription.Subscription, error) {
	return s.filter(func(r record) bool { return r.Active }), nil
}

func (s *fileStore) ListByOwner(_ context.Context, ownerID int64) ([]subscription.Subscription, error) {
	return s.filter(func(r record) bool { return r.OwnerID == ownerID }), nil
}

func (s *fileStore) filter(keep func(record) bool) []subscription.Subscription {
	s.mu.Lock()
	rows := make([]record, 0, len(s.subs))
	for _, r := range s.subs {
		if keep(r) {
			rows = append(rows, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt != rows[j].CreatedAt {
			return rows[i].CreatedAt < rows[j].CreatedAt
		}
		return rows[i].ID < rows[j].ID
	})
	out := make([]subscription.Subscription, 0, len(rows))
	for _, r := range rows {
		sub, err := r.subscription()
		if err != nil {
			s.log.Warn("skip unreadable subscription row", logx.Err(err))
			continue
		}
		out = append(out, sub)
	}
	return out
}

// flushLocked rewrites the subscription snapshot via a temp file + rename.
func (s *fileStore) flushLocked() error {
	tmp := s.subsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.subs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.subsPath)
}

func (s *fileStore) RecordAttempt(_ context.Context, a subscription.Attempt) error {
	r := toAttemptRecord(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attemptsFile == nil {
		return unavailable("record attempt", os.ErrClosed)
	}
	if err := json.NewEncoder(s.attemptsFile).Encode(r); err != nil {
		return unavailable("record attempt", err)
	}
	if cur, ok := s.last[r.SubscriptionID]; !ok || cur.FiredAt <= r.FiredAt {
		s.last[r.SubscriptionID] = r
	}
	return nil
}

func (s *fileStore) LastAttempts(_ context.Context, ownerID int64) (map[string]subscription.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]subscription.Attempt{}
	for id, r := range s.last {
		if r.OwnerID == ownerID {
			out[id] = r.attempt()
		}
	}
	return out, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return unavailable("put dedup", os.ErrClosed)
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return unavailable("put dedup", err)
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup, s.now())

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

func replayAttempts(path string, out map[string]attemptRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r attemptRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.SubscriptionID == "" {
			continue
		}
		if cur, ok := out[r.SubscriptionID]; !ok || cur.FiredAt <= r.FiredAt {
			out[r.SubscriptionID] = r
		}
	}
	return sc.Err()
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	ms := now.UnixMilli()
	for k, v := range m {
		if v < ms {
			delete(m, k)
		}
	}
}
