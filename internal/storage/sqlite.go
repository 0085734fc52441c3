package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bdaybot/internal/model"
	logx "bdaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, applying migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("storage opened", logx.String("path", cfg.Path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// ---- users / settings ----

func (s *sqliteStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM birthdays ORDER BY user_id`)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapUnavailable(err)
		}
		ids = append(ids, id)
	}
	return ids, wrapUnavailable(rows.Err())
}

func (s *sqliteStore) GetSettings(ctx context.Context, userID int64) (model.UserSettings, error) {
	out := model.UserSettings{UserID: userID, Timezone: "UTC", DefaultOffsets: []int{0}, DefaultHour: 9}
	var offsetsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT timezone, default_offsets, default_hour FROM user_settings WHERE user_id = ?`, userID,
	).Scan(&out.Timezone, &offsetsJSON, &out.DefaultHour)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil // implicit defaults until the user sets anything
	}
	if err != nil {
		return out, wrapUnavailable(err)
	}
	if err := json.Unmarshal([]byte(offsetsJSON), &out.DefaultOffsets); err != nil {
		out.DefaultOffsets = []int{0}
	}
	return out, nil
}

func (s *sqliteStore) PutSettings(ctx context.Context, set model.UserSettings) error {
	offsets, err := json.Marshal(set.DefaultOffsets)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_settings(user_id, timezone, default_offsets, default_hour) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   timezone = excluded.timezone,
		   default_offsets = excluded.default_offsets,
		   default_hour = excluded.default_hour`,
		set.UserID, set.Timezone, string(offsets), set.DefaultHour,
	)
	return wrapUnavailable(err)
}

// ---- birthdays ----

func (s *sqliteStore) AddBirthday(ctx context.Context, b model.Birthday) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO birthdays(id, user_id, month, day, label) VALUES(?,?,?,?,?)`,
		b.ID, b.UserID, b.Month, b.Day, b.Label,
	)
	return wrapUnavailable(err)
}

func (s *sqliteStore) ListBirthdays(ctx context.Context, userID int64) ([]model.Birthday, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, month, day, label FROM birthdays WHERE user_id = ? ORDER BY month, day, label`, userID)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	var out []model.Birthday
	for rows.Next() {
		var b model.Birthday
		if err := rows.Scan(&b.ID, &b.UserID, &b.Month, &b.Day, &b.Label); err != nil {
			return nil, wrapUnavailable(err)
		}
		out = append(out, b)
	}
	return out, wrapUnavailable(rows.Err())
}

func (s *sqliteStore) FindBirthday(ctx context.Context, userID int64, label string) (model.Birthday, bool, error) {
	var b model.Birthday
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, month, day, label FROM birthdays WHERE user_id = ? AND label = ?`,
		userID, label,
	).Scan(&b.ID, &b.UserID, &b.Month, &b.Day, &b.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Birthday{}, false, nil
	}
	if err != nil {
		return model.Birthday{}, false, wrapUnavailable(err)
	}
	return b, true, nil
}

func (s *sqliteStore) RemoveBirthday(ctx context.Context, userID int64, birthdayID string) error {
	// Rules cascade via the foreign key.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM birthdays WHERE id = ? AND user_id = ?`, birthdayID, userID)
	if err != nil {
		return wrapUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- rules ----

func (s *sqliteStore) AddRule(ctx context.Context, r model.ReminderRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_rules(id, birthday_id, offset_days, hour, minute) VALUES(?,?,?,?,?)`,
		r.ID, r.BirthdayID, r.OffsetDays, r.Hour, r.Minute,
	)
	return wrapUnavailable(err)
}

func (s *sqliteStore) ListRules(ctx context.Context, birthdayID string) ([]model.ReminderRule, error) {
	return s.queryRules(ctx,
		`SELECT id, birthday_id, offset_days, hour, minute FROM reminder_rules
		 WHERE birthday_id = ? ORDER BY offset_days, hour, minute`, birthdayID)
}

func (s *sqliteStore) ListRulesByUser(ctx context.Context, userID int64) ([]model.ReminderRule, error) {
	return s.queryRules(ctx,
		`SELECT r.id, r.birthday_id, r.offset_days, r.hour, r.minute
		 FROM reminder_rules r JOIN birthdays b ON b.id = r.birthday_id
		 WHERE b.user_id = ? ORDER BY b.month, b.day, r.offset_days`, userID)
}

func (s *sqliteStore) queryRules(ctx context.Context, q string, args ...any) ([]model.ReminderRule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	var out []model.ReminderRule
	for rows.Next() {
		var r model.ReminderRule
		if err := rows.Scan(&r.ID, &r.BirthdayID, &r.OffsetDays, &r.Hour, &r.Minute); err != nil {
			return nil, wrapUnavailable(err)
		}
		out = append(out, r)
	}
	return out, wrapUnavailable(rows.Err())
}

func (s *sqliteStore) RemoveRule(ctx context.Context, userID int64, ruleID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminder_rules WHERE id = ? AND birthday_id IN
		   (SELECT id FROM birthdays WHERE user_id = ?)`, ruleID, userID)
	if err != nil {
		return wrapUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- endpoints ----

func (s *sqliteStore) AddEndpoint(ctx context.Context, e model.Endpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoints(id, user_id, url) VALUES(?,?,?)`,
		e.ID, e.UserID, e.URL,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrDuplicateEndpoint
	}
	return wrapUnavailable(err)
}

func (s *sqliteStore) ListEndpoints(ctx context.Context, userID int64) ([]model.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, url FROM endpoints WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	var out []model.Endpoint
	for rows.Next() {
		var e model.Endpoint
		if err := rows.Scan(&e.ID, &e.UserID, &e.URL); err != nil {
			return nil, wrapUnavailable(err)
		}
		out = append(out, e)
	}
	return out, wrapUnavailable(rows.Err())
}

func (s *sqliteStore) RemoveEndpoint(ctx context.Context, userID int64, endpointID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM endpoints WHERE id = ? AND user_id = ?`, endpointID, userID)
	if err != nil {
		return wrapUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- dispatch ledger ----

func (s *sqliteStore) GetDispatch(ctx context.Context, key model.DispatchKey) (model.DispatchRecord, bool, error) {
	rec := model.DispatchRecord{Key: key}
	var sent int
	var sentAt, outcomes sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT sent, attempts, sent_at, outcomes FROM dispatch_records
		 WHERE user_id = ? AND birthday_id = ? AND rule_id = ? AND occurrence_year = ?`,
		key.UserID, key.BirthdayID, key.RuleID, key.OccurrenceYear,
	).Scan(&sent, &rec.Attempts, &sentAt, &outcomes)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, wrapUnavailable(err)
	}
	rec.Sent = sent != 0
	if sentAt.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, sentAt.String); perr == nil {
			rec.SentAt = t
		}
	}
	if outcomes.Valid && outcomes.String != "" {
		_ = json.Unmarshal([]byte(outcomes.String), &rec.Outcomes)
	}
	return rec, true, nil
}

func (s *sqliteStore) RecordDispatch(ctx context.Context, rec model.DispatchRecord) error {
	outcomes, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return err
	}
	sent := 0
	if rec.Sent {
		sent = 1
	}
	sentAt := rec.SentAt.UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dispatch_records(user_id, birthday_id, rule_id, occurrence_year, sent, attempts, sent_at, outcomes)
		 VALUES(?,?,?,?,?,1,?,?)
		 ON CONFLICT(user_id, birthday_id, rule_id, occurrence_year) DO UPDATE SET
		   attempts = dispatch_records.attempts + 1,
		   sent = MAX(dispatch_records.sent, excluded.sent),
		   sent_at = CASE WHEN dispatch_records.sent = 1 THEN dispatch_records.sent_at ELSE excluded.sent_at END,
		   outcomes = excluded.outcomes`,
		rec.Key.UserID, rec.Key.BirthdayID, rec.Key.RuleID, rec.Key.OccurrenceYear,
		sent, sentAt, string(outcomes),
	)
	return wrapUnavailable(err)
}

func (s *sqliteStore) ListRecentDispatches(ctx context.Context, userID int64, limit int) ([]model.DispatchRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT birthday_id, rule_id, occurrence_year, sent, attempts, sent_at, outcomes
		 FROM dispatch_records WHERE user_id = ? ORDER BY sent_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	var out []model.DispatchRecord
	for rows.Next() {
		rec := model.DispatchRecord{Key: model.DispatchKey{UserID: userID}}
		var sent int
		var sentAt, outcomes sql.NullString
		if err := rows.Scan(&rec.Key.BirthdayID, &rec.Key.RuleID, &rec.Key.OccurrenceYear,
			&sent, &rec.Attempts, &sentAt, &outcomes); err != nil {
			return nil, wrapUnavailable(err)
		}
		rec.Sent = sent != 0
		if sentAt.Valid {
			if t, perr := time.Parse(time.RFC3339Nano, sentAt.String); perr == nil {
				rec.SentAt = t
			}
		}
		if outcomes.Valid && outcomes.String != "" {
			_ = json.Unmarshal([]byte(outcomes.String), &rec.Outcomes)
		}
		out = append(out, rec)
	}
	return out, wrapUnavailable(rows.Err())
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, user_id, action, target, ok, err) VALUES(?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.UserID, e.Action, nullStr(e.Target), ok, nullStr(e.Error),
	)
	return wrapUnavailable(err)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
