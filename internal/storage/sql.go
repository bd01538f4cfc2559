package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reportbot/internal/subscription"
	logx "reportbot/pkg/logx"
)

// sqlStore implements Store over database/sql. Queries are written with
// '?' placeholders and rebound for dialects that number them.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string
	dollar  bool

	now   func() time.Time
	newID func() string

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, dialect string, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{
		db:         db,
		log:        log.With(logx.String("comp", "storage"), logx.String("driver", dialect)),
		dialect:    dialect,
		dollar:     dialect == "postgres",
		now:        time.Now,
		newID:      uuid.NewString,
		pruneEvery: 500,
	}
}

func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const subscriptionColumns = `id, owner_id, identity_key, periodicity, weekday, day_of_month, time_of_day,
	timezone_offset, report_type, department, period_window, output_format, active, created_at, updated_at`

func (s *sqlStore) Upsert(ctx context.Context, sub subscription.Subscription) (string, error) {
	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	r := toRecord(sub)
	r.ID = s.newID()

	var id string
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO subscriptions(`+subscriptionColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(owner_id, identity_key) DO UPDATE SET
			periodicity=excluded.periodicity,
			weekday=excluded.weekday,
			day_of_month=excluded.day_of_month,
			time_of_day=excluded.time_of_day,
			timezone_offset=excluded.timezone_offset,
			report_type=excluded.report_type,
			department=excluded.department,
			period_window=excluded.period_window,
			output_format=excluded.output_format,
			active=excluded.active,
			updated_at=excluded.updated_at
		RETURNING id`),
		r.ID, r.OwnerID, r.Identity, r.Periodicity, nullInt(r.Weekday), nullInt(r.DayOfMonth), r.TimeOfDay,
		r.TZOffset, r.ReportType, r.Department, r.Window, r.Format, r.Active, r.CreatedAt, r.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return "", unavailable("upsert subscription", err)
	}
	return id, nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`), id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	if err != nil {
		return subscription.Subscription{}, unavailable("get subscription", err)
	}
	return sub, nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("delete subscription", err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM subscriptions WHERE id = ?`), id)
	if err != nil {
		return false, unavailable("delete subscription", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM delivery_attempts WHERE subscription_id = ?`), id); err != nil {
		return false, unavailable("delete attempts", err)
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable("delete subscription", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) DeleteByOwner(ctx context.Context, ownerID int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("delete owner", err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM subscriptions WHERE owner_id = ?`), ownerID)
	if err != nil {
		return 0, unavailable("delete owner", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM delivery_attempts WHERE owner_id = ?`), ownerID); err != nil {
		return 0, unavailable("delete owner attempts", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("delete owner", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE subscriptions SET active = ?, updated_at = ? WHERE id = ?`),
		active, s.now().UnixMilli(), id)
	if err != nil {
		return false, unavailable("set active", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) ListActive(ctx context.Context) ([]subscription.Subscription, error) {
	return s.list(ctx, "list active", `SELECT `+subscriptionColumns+` FROM subscriptions WHERE active = ? ORDER BY created_at, id`, true)
}

func (s *sqlStore) ListByOwner(ctx context.Context, ownerID int64) ([]subscription.Subscription, error) {
	return s.list(ctx, "list by owner", `SELECT `+subscriptionColumns+` FROM subscriptions WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
}

func (s *sqlStore) list(ctx context.Context, op, query string, args ...any) ([]subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	var out []subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			// A malformed row must not hide the rest.
			s.log.Warn("skip unreadable subscription row", logx.Err(err))
			continue
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(sc scanner) (subscription.Subscription, error) {
	var (
		r       record
		weekday sql.NullInt64
		dom     sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.OwnerID, &r.Identity, &r.Periodicity, &weekday, &dom, &r.TimeOfDay,
		&r.TZOffset, &r.ReportType, &r.Department, &r.Window, &r.Format, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return subscription.Subscription{}, err
	}
	if weekday.Valid {
		v := int(weekday.Int64)
		r.Weekday = &v
	}
	if dom.Valid {
		v := int(dom.Int64)
		r.DayOfMonth = &v
	}
	return r.subscription()
}

func (s *sqlStore) RecordAttempt(ctx context.Context, a subscription.Attempt) error {
	r := toAttemptRecord(a)
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO delivery_attempts(subscription_id, owner_id, fired_at, finished_at, outcome, err)
		VALUES(?,?,?,?,?,?)`),
		r.SubscriptionID, r.OwnerID, r.FiredAt, r.FinishedAt, r.Outcome, nullStr(r.Error))
	if err != nil {
		return unavailable("record attempt", err)
	}
	s.maybePrune()
	return nil
}

func (s *sqlStore) LastAttempts(ctx context.Context, ownerID int64) (map[string]subscription.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT subscription_id, owner_id, fired_at, finished_at, outcome, err
		FROM delivery_attempts WHERE owner_id = ? ORDER BY fired_at DESC LIMIT 500`), ownerID)
	if err != nil {
		return nil, unavailable("last attempts", err)
	}
	defer rows.Close()
	out := map[string]subscription.Attempt{}
	for rows.Next() {
		var (
			r   attemptRecord
			msg sql.NullString
		)
		if err := rows.Scan(&r.SubscriptionID, &r.OwnerID, &r.FiredAt, &r.FinishedAt, &r.Outcome, &msg); err != nil {
			return nil, unavailable("last attempts", err)
		}
		if _, seen := out[r.SubscriptionID]; seen {
			continue
		}
		r.Error = msg.String
		out[r.SubscriptionID] = r.attempt()
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("last attempts", err)
	}
	return out, nil
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO dedup(key, until) VALUES(?,?)
		ON CONFLICT(key) DO UPDATE SET until=excluded.until`), key, until.UnixMilli())
	if err != nil {
		return unavailable("put dedup", err)
	}
	s.maybePrune()
	return nil
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT until FROM dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, unavailable("get dedup", err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	now := s.now()
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dedup WHERE until < ?`), now.UnixMilli()); err != nil {
		s.log.Debug("dedup prune failed", logx.Err(err))
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM delivery_attempts WHERE fired_at < ?`), now.Add(-attemptRetention).UnixMilli()); err != nil {
		s.log.Debug("attempt prune failed", logx.Err(err))
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
