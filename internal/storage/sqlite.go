package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"

	"changenotify/internal/domain"
	logx "changenotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// fold is exposed to SQL so substring filters fold case exactly like the
// memory store, including non-ASCII text. SQLite's lower() is ASCII-only.
func init() {
	err := sqlite.RegisterDeterministicScalarFunction("fold", 1, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		switch v := args[0].(type) {
		case string:
			return foldCase(v), nil
		case []byte:
			return foldCase(string(v)), nil
		case nil:
			return "", nil
		default:
			return foldCase(fmt.Sprint(v)), nil
		}
	})
	if err != nil {
		panic(err)
	}
}

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
	now func() time.Time
}

// recordRow is the on-disk shape of a record. Timestamps are unix milliseconds.
type recordRow struct {
	ID            string          `db:"id"`
	SourceEventID string          `db:"source_event_id"`
	UserID        string          `db:"user_id"`
	Channel       string          `db:"channel"`
	Recipient     string          `db:"recipient"`
	Subject       string          `db:"subject"`
	Body          string          `db:"body"`
	Severity      string          `db:"severity"`
	Status        string          `db:"status"`
	RetryCount    int             `db:"retry_count"`
	MaxRetries    int             `db:"max_retries"`
	ErrorMessage  sql.NullString  `db:"error_message"`
	DeliveryTime  sql.NullFloat64 `db:"delivery_time"`
	CreatedAt     int64           `db:"created_at"`
	UpdatedAt     int64           `db:"updated_at"`
	SentAt        sql.NullInt64   `db:"sent_at"`
	ResponseData  []byte          `db:"response_data"`
	MessageID     sql.NullString  `db:"message_id"`
	BatchID       sql.NullString  `db:"batch_id"`
	ReplacedBy    sql.NullString  `db:"replaced_by"`
	Archived      bool            `db:"archived"`
}

type preferenceRow struct {
	UserID             string `db:"user_id"`
	Channel            string `db:"channel"`
	SeverityFilter     string `db:"severity_filter"`
	Frequency          string `db:"frequency"`
	Enabled            bool   `db:"is_enabled"`
	BusinessHoursOnly  bool   `db:"business_hours_only"`
	BatchEnabled       bool   `db:"batch_enabled"`
	BatchSize          int    `db:"batch_size"`
	BatchWindowMinutes int    `db:"batch_window_minutes"`
	Timezone           string `db:"timezone"`
	UpdatedAt          int64  `db:"updated_at"`
}

type eventRow struct {
	ID         int64          `db:"id"`
	At         int64          `db:"at"`
	RecordID   string         `db:"record_id"`
	Type       string         `db:"type"`
	Status     string         `db:"status"`
	Channel    string         `db:"channel"`
	UserID     string         `db:"user_id"`
	RetryCount int            `db:"retry_count"`
	Err        sql.NullString `db:"err"`
	Meta       sql.NullString `db:"meta"`
}

const recordColumns = `id, source_event_id, user_id, channel, recipient, subject, body, severity,
	status, retry_count, max_retries, error_message, delivery_time, created_at, updated_at,
	sent_at, response_data, message_id, batch_id, replaced_by, archived`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage")), now: time.Now}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
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

func (s *sqliteStore) CreateRecord(ctx context.Context, r domain.Record) error {
	row := toRecordRow(r)
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (
			:id, :source_event_id, :user_id, :channel, :recipient, :subject, :body, :severity,
			:status, :retry_count, :max_retries, :error_message, :delivery_time, :created_at, :updated_at,
			:sent_at, :response_data, :message_id, :batch_id, :replaced_by, :archived)`,
		row,
	)
	if err != nil {
		return fmt.Errorf("creating record %s: %w", r.ID, err)
	}
	return nil
}

func (s *sqliteStore) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	return s.getRecord(ctx, s.db, id)
}

func (s *sqliteStore) getRecord(ctx context.Context, q sqlx.QueryerContext, id string) (domain.Record, error) {
	var row recordRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("getting record %s: %w", id, err)
	}
	return row.toDomain(), nil
}

func (s *sqliteStore) Transition(ctx context.Context, id string, from []domain.Status, to domain.Status, mutate Mutator) (domain.Record, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Record{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := s.getRecord(ctx, tx, id)
	if err != nil {
		return domain.Record{}, err
	}
	if err := checkTransition(cur.Status, from, to); err != nil {
		return cur, err
	}
	prev := cur.Status
	next := cur
	next.Status = to
	next.UpdatedAt = s.now()
	if mutate != nil {
		mutate(&next)
	}
	row := toRecordRow(next)

	res, err := tx.ExecContext(ctx, `
		UPDATE records SET
			status = ?, retry_count = ?, max_retries = ?, error_message = ?, delivery_time = ?,
			updated_at = ?, sent_at = ?, response_data = ?, message_id = ?, batch_id = ?,
			replaced_by = ?, recipient = ?, subject = ?, body = ?
		WHERE id = ? AND status = ?`,
		row.Status, row.RetryCount, row.MaxRetries, row.ErrorMessage, row.DeliveryTime,
		row.UpdatedAt, row.SentAt, row.ResponseData, row.MessageID, row.BatchID,
		row.ReplacedBy, row.Recipient, row.Subject, row.Body,
		id, string(prev),
	)
	if err != nil {
		return domain.Record{}, fmt.Errorf("transitioning record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cur, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, fmt.Errorf("committing transition %s: %w", id, err)
	}
	return next, nil
}

func (s *sqliteStore) SetArchived(ctx context.Context, id string, archived bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET archived = ?, updated_at = ? WHERE id = ?`,
		archived, s.now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("archiving record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (f RecordFilter) where() (string, []any) {
	var conds []string
	var args []any

	if len(f.IDs) > 0 {
		conds = append(conds, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, string(f.Channel))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SourceEventID != "" {
		conds = append(conds, "source_event_id = ?")
		args = append(args, f.SourceEventID)
	}
	if f.Recipient != "" {
		conds = append(conds, "instr(fold(recipient), ?) > 0")
		args = append(args, foldCase(f.Recipient))
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.To.UnixMilli())
	}
	if f.MinRetries != nil {
		conds = append(conds, "retry_count >= ?")
		args = append(args, *f.MinRetries)
	}
	if f.MaxRetries != nil {
		conds = append(conds, "retry_count <= ?")
		args = append(args, *f.MaxRetries)
	}
	if !f.IncludeArchived {
		conds = append(conds, "archived = 0")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqliteStore) ListRecords(ctx context.Context, f RecordFilter) ([]domain.Record, int, error) {
	where, args := f.where()

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM records`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("counting records: %w", err)
	}

	direction := "DESC"
	if f.Ascending {
		direction = "ASC"
	}
	query := `SELECT ` + recordColumns + ` FROM records` + where +
		fmt.Sprintf(" ORDER BY created_at %s, id ASC", direction)
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	} else if f.Offset > 0 {
		query += " LIMIT -1"
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("querying records: %w", err)
	}
	out := make([]domain.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, total, nil
}

func (s *sqliteStore) SearchRecords(ctx context.Context, q string, limit int) ([]domain.Record, error) {
	q = foldCase(strings.TrimSpace(q))
	query := `SELECT ` + recordColumns + ` FROM records
		WHERE instr(fold(subject), ?) > 0 OR instr(fold(body), ?) > 0 OR instr(fold(error_message), ?) > 0
		ORDER BY created_at DESC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, q, q, q); err != nil {
		return nil, fmt.Errorf("searching records: %w", err)
	}
	out := make([]domain.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *sqliteStore) ListPreferences(ctx context.Context, userID string) ([]domain.Preference, error) {
	var rows []preferenceRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT user_id, channel, severity_filter, frequency, is_enabled, business_hours_only,
			batch_enabled, batch_size, batch_window_minutes, timezone, updated_at
		 FROM preferences WHERE user_id = ? ORDER BY channel`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying preferences for %s: %w", userID, err)
	}
	out := make([]domain.Preference, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Preference{
			UserID:             r.UserID,
			Channel:            domain.Channel(r.Channel),
			SeverityFilter:     domain.Severity(r.SeverityFilter),
			Frequency:          domain.Frequency(r.Frequency),
			Enabled:            r.Enabled,
			BusinessHoursOnly:  r.BusinessHoursOnly,
			BatchEnabled:       r.BatchEnabled,
			BatchSize:          r.BatchSize,
			BatchWindowMinutes: r.BatchWindowMinutes,
			Timezone:           r.Timezone,
			UpdatedAt:          time.UnixMilli(r.UpdatedAt),
		})
	}
	return out, nil
}

func (s *sqliteStore) UpsertPreference(ctx context.Context, p domain.Preference) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	row := preferenceRow{
		UserID:             p.UserID,
		Channel:            string(p.Channel),
		SeverityFilter:     string(p.SeverityFilter),
		Frequency:          string(p.Frequency),
		Enabled:            p.Enabled,
		BusinessHoursOnly:  p.BusinessHoursOnly,
		BatchEnabled:       p.BatchEnabled,
		BatchSize:          p.BatchSize,
		BatchWindowMinutes: p.BatchWindowMinutes,
		Timezone:           p.Timezone,
		UpdatedAt:          p.UpdatedAt.UnixMilli(),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO preferences (user_id, channel, severity_filter, frequency, is_enabled,
			business_hours_only, batch_enabled, batch_size, batch_window_minutes, timezone, updated_at)
		VALUES (:user_id, :channel, :severity_filter, :frequency, :is_enabled,
			:business_hours_only, :batch_enabled, :batch_size, :batch_window_minutes, :timezone, :updated_at)
		ON CONFLICT(user_id, channel) DO UPDATE SET
			severity_filter = excluded.severity_filter,
			frequency = excluded.frequency,
			is_enabled = excluded.is_enabled,
			business_hours_only = excluded.business_hours_only,
			batch_enabled = excluded.batch_enabled,
			batch_size = excluded.batch_size,
			batch_window_minutes = excluded.batch_window_minutes,
			timezone = excluded.timezone,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("upserting preference %s/%s: %w", p.UserID, p.Channel, err)
	}
	return nil
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e DeliveryEvent) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_events(at, record_id, type, status, channel, user_id, retry_count, err, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.RecordID, e.Type, string(e.Status), string(e.Channel), e.UserID,
		e.RetryCount, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) ListEvents(ctx context.Context, recordID string) ([]DeliveryEvent, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, at, record_id, type, status, channel, user_id, retry_count, err, meta
		 FROM delivery_events WHERE record_id = ? ORDER BY id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("querying delivery events: %w", err)
	}
	out := make([]DeliveryEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, DeliveryEvent{
			ID:         r.ID,
			At:         time.UnixMilli(r.At),
			RecordID:   r.RecordID,
			Type:       r.Type,
			Status:     domain.Status(r.Status),
			Channel:    domain.Channel(r.Channel),
			UserID:     r.UserID,
			RetryCount: r.RetryCount,
			Error:      r.Err.String,
			MetaJSON:   r.Meta.String,
		})
	}
	return out, nil
}

func (s *sqliteStore) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delivery_events WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func toRecordRow(r domain.Record) recordRow {
	row := recordRow{
		ID:            r.ID,
		SourceEventID: r.SourceEventID,
		UserID:        r.UserID,
		Channel:       string(r.Channel),
		Recipient:     r.Recipient,
		Subject:       r.Subject,
		Body:          r.Body,
		Severity:      string(r.Severity),
		Status:        string(r.Status),
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		ErrorMessage:  nullString(r.ErrorMessage),
		CreatedAt:     r.CreatedAt.UnixMilli(),
		UpdatedAt:     r.UpdatedAt.UnixMilli(),
		ResponseData:  r.ResponseData,
		MessageID:     nullString(r.MessageID),
		BatchID:       nullString(r.BatchID),
		ReplacedBy:    nullString(r.ReplacedBy),
		Archived:      r.Archived,
	}
	if r.DeliveryTime != nil {
		row.DeliveryTime = sql.NullFloat64{Float64: *r.DeliveryTime, Valid: true}
	}
	if r.SentAt != nil {
		row.SentAt = sql.NullInt64{Int64: r.SentAt.UnixMilli(), Valid: true}
	}
	return row
}

func (r recordRow) toDomain() domain.Record {
	out := domain.Record{
		ID:            r.ID,
		SourceEventID: r.SourceEventID,
		UserID:        r.UserID,
		Channel:       domain.Channel(r.Channel),
		Recipient:     r.Recipient,
		Subject:       r.Subject,
		Body:          r.Body,
		Severity:      domain.Severity(r.Severity),
		Status:        domain.Status(r.Status),
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		ErrorMessage:  r.ErrorMessage.String,
		CreatedAt:     time.UnixMilli(r.CreatedAt),
		UpdatedAt:     time.UnixMilli(r.UpdatedAt),
		ResponseData:  r.ResponseData,
		MessageID:     r.MessageID.String,
		BatchID:       r.BatchID.String,
		ReplacedBy:    r.ReplacedBy.String,
		Archived:      r.Archived,
	}
	if r.DeliveryTime.Valid {
		v := r.DeliveryTime.Float64
		out.DeliveryTime = &v
	}
	if r.SentAt.Valid {
		t := time.UnixMilli(r.SentAt.Int64)
		out.SentAt = &t
	}
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
