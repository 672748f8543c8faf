package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/agentos-dev/agentos/pkg/models"
)

// Driver names accepted by NewSQLStores.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// NewSQLStores creates SQL-backed stores. driver is "sqlite" or
// "postgres"; queries are written once with $N placeholders and rebound
// for sqlite.
func NewSQLStores(driver, dsn string, config *SQLConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return StoreSet{}, fmt.Errorf("unsupported driver %q", driver)
	}
	if config == nil {
		config = DefaultSQLConfig()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// modernc sqlite serializes at the connection level; a single
		// connection avoids SQLITE_BUSY under concurrent writers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	q := &querier{db: db, driver: driver}
	return StoreSet{
		ChannelConfigs:   &sqlChannelConfigStore{q: q},
		ChannelAudit:     &sqlChannelAuditStore{q: q},
		ChannelEvents:    &sqlChannelEventStore{q: q},
		Violations:       &sqlViolationStore{q: q},
		Dedupe:           &sqlDedupeStore{q: q},
		Extensions:       &sqlExtensionStore{q: q},
		Installs:         &sqlInstallStore{q: q},
		ExtensionConfigs: &sqlExtensionConfigStore{q: q},
		Decisions:        &sqlDecisionStore{q: q},
		LeadFindings:     &sqlLeadFindingStore{q: q},
		TaskAudits:       &sqlTaskAuditStore{q: q},
		SystemLogs:       &sqlSystemLogStore{q: q},
		closer:           db.Close,
	}, nil
}

// MigrateSQL opens the database and applies the schema, for the migrate
// CLI command.
func MigrateSQL(ctx context.Context, driver, dsn string) error {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return Migrate(ctx, db)
}

// querier wraps the shared handle with dialect rebinding and a write
// mutex so each store's writes are serialized.
type querier struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
}

// rebind converts $N placeholders to ? for sqlite. Queries never reuse
// a placeholder, so positional order is preserved.
func (q *querier) rebind(query string) string {
	if q.driver == DriverPostgres {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			b.WriteByte(query[i])
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte(query[i])
			continue
		}
		b.WriteByte('?')
		i = j - 1
	}
	return b.String()
}

func (q *querier) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.ExecContext(ctx, q.rebind(query), args...)
}

func (q *querier) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.rebind(query), args...)
}

func (q *querier) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.rebind(query), args...)
}

func isDuplicate(err error) bool {
	s := err.Error()
	return strings.Contains(s, "duplicate") ||
		strings.Contains(s, "23505") ||
		strings.Contains(s, "UNIQUE constraint")
}

func marshalDetails(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	return string(b), nil
}

func unmarshalDetails(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	return m, nil
}

func clampLimit(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}

type sqlChannelConfigStore struct {
	q *querier
}

func (s *sqlChannelConfigStore) Save(ctx context.Context, cfg *models.ChannelConfig) error {
	if cfg == nil || cfg.ChannelID == "" {
		return fmt.Errorf("channel config is required")
	}
	_, err := s.q.exec(ctx,
		`INSERT INTO channel_configs (channel_id, config_json, status, enabled, last_error, last_heartbeat_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (channel_id) DO UPDATE SET
		   config_json = excluded.config_json,
		   status = excluded.status,
		   enabled = excluded.enabled,
		   last_error = excluded.last_error,
		   last_heartbeat_at = excluded.last_heartbeat_at,
		   updated_at = excluded.updated_at`,
		cfg.ChannelID, cfg.ConfigJSON, string(cfg.Status), cfg.Enabled,
		cfg.LastError, cfg.LastHeartbeatAt, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save channel config: %w", err)
	}
	return nil
}

func (s *sqlChannelConfigStore) Get(ctx context.Context, channelID string) (*models.ChannelConfig, error) {
	if channelID == "" {
		return nil, ErrNotFound
	}
	row := s.q.queryRow(ctx,
		`SELECT channel_id, config_json, status, enabled, last_error, last_heartbeat_at, created_at, updated_at
		 FROM channel_configs WHERE channel_id = $1`, channelID)
	return scanChannelConfig(row.Scan)
}

func scanChannelConfig(scan func(...any) error) (*models.ChannelConfig, error) {
	var cfg models.ChannelConfig
	var status string
	var heartbeat sql.NullTime
	if err := scan(&cfg.ChannelID, &cfg.ConfigJSON, &status, &cfg.Enabled,
		&cfg.LastError, &heartbeat, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan channel config: %w", err)
	}
	cfg.Status = models.ChannelStatus(status)
	if heartbeat.Valid {
		t := heartbeat.Time
		cfg.LastHeartbeatAt = &t
	}
	return &cfg, nil
}

func (s *sqlChannelConfigStore) List(ctx context.Context) ([]*models.ChannelConfig, error) {
	rows, err := s.q.query(ctx,
		`SELECT channel_id, config_json, status, enabled, last_error, last_heartbeat_at, created_at, updated_at
		 FROM channel_configs ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list channel configs: %w", err)
	}
	defer rows.Close()

	configs := []*models.ChannelConfig{}
	for rows.Next() {
		cfg, err := scanChannelConfig(rows.Scan)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channel configs: %w", err)
	}
	return configs, nil
}

func (s *sqlChannelConfigStore) Delete(ctx context.Context, channelID string) error {
	if channelID == "" {
		return ErrNotFound
	}
	res, err := s.q.exec(ctx, `DELETE FROM channel_configs WHERE channel_id = $1`, channelID)
	if err != nil {
		return fmt.Errorf("delete channel config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete channel config rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type sqlChannelAuditStore struct {
	q *querier
}

func (s *sqlChannelAuditStore) Append(ctx context.Context, entry *models.ChannelAuditEntry) error {
	if entry == nil || entry.ChannelID == "" {
		return fmt.Errorf("audit entry is required")
	}
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	details, err := marshalDetails(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.q.exec(ctx,
		`INSERT INTO channel_audit_log (id, channel_id, action, details, performed_by, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		id, entry.ChannelID, entry.Action, details, entry.PerformedBy, created)
	if err != nil {
		return fmt.Errorf("append channel audit: %w", err)
	}
	return nil
}

func (s *sqlChannelAuditStore) ListByChannel(ctx context.Context, channelID string, limit int) ([]*models.ChannelAuditEntry, error) {
	rows, err := s.q.query(ctx,
		`SELECT id, channel_id, action, details, performed_by, created_at
		 FROM channel_audit_log WHERE channel_id = $1 ORDER BY created_at DESC`+clampLimit(limit),
		channelID)
	if err != nil {
		return nil, fmt.Errorf("list channel audit: %w", err)
	}
	defer rows.Close()

	entries := []*models.ChannelAuditEntry{}
	for rows.Next() {
		var e models.ChannelAuditEntry
		var details string
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.Action, &details, &e.PerformedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel audit: %w", err)
		}
		if e.Details, err = unmarshalDetails(details); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channel audit: %w", err)
	}
	return entries, nil
}

type sqlChannelEventStore struct {
	q *querier
}

func (s *sqlChannelEventStore) Append(ctx context.Context, event *models.ChannelEvent) error {
	if event == nil || event.ChannelID == "" {
		return fmt.Errorf("channel event is required")
	}
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := event.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	metadata, err := marshalDetails(event.Metadata)
	if err != nil {
		return err
	}
	_, err = s.q.exec(ctx,
		`INSERT INTO channel_events (id, channel_id, event_type, message_id, status, error, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, event.ChannelID, event.EventType, event.MessageID, event.Status, event.Error, metadata, created)
	if err != nil {
		return fmt.Errorf("append channel event: %w", err)
	}
	return nil
}

func scanChannelEvent(scan func(...any) error) (*models.ChannelEvent, error) {
	var e models.ChannelEvent
	var metadata string
	if err := scan(&e.ID, &e.ChannelID, &e.EventType, &e.MessageID, &e.Status, &e.Error, &metadata, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan channel event: %w", err)
	}
	var err error
	if e.Metadata, err = unmarshalDetails(metadata); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqlChannelEventStore) ListByChannel(ctx context.Context, channelID string, limit int) ([]*models.ChannelEvent, error) {
	rows, err := s.q.query(ctx,
		`SELECT id, channel_id, event_type, message_id, status, error, metadata, created_at
		 FROM channel_events WHERE channel_id = $1 ORDER BY created_at DESC`+clampLimit(limit),
		channelID)
	if err != nil {
		return nil, fmt.Errorf("list channel events: %w", err)
	}
	defer rows.Close()

	events := []*models.ChannelEvent{}
	for rows.Next() {
		e, err := scanChannelEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channel events: %w", err)
	}
	return events, nil
}

func (s *sqlChannelEventStore) GetByMessage(ctx context.Context, channelID, messageID string) (*models.ChannelEvent, error) {
	row := s.q.queryRow(ctx,
		`SELECT id, channel_id, event_type, message_id, status, error, metadata, created_at
		 FROM channel_events WHERE channel_id = $1 AND message_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		channelID, messageID)
	return scanChannelEvent(row.Scan)
}

type sqlViolationStore struct {
	q *querier
}

func (s *sqlViolationStore) AppendViolation(ctx context.Context, v *models.SecurityViolation) error {
	if v == nil || v.ChannelID == "" {
		return fmt.Errorf("violation is required")
	}
	ts := v.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.q.exec(ctx,
		`INSERT INTO security_violations (id, channel_id, violation_type, message_id, user_key, policy_mode, attempted_operation, action, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		uuid.NewString(), v.ChannelID, string(v.ViolationType), v.MessageID, v.UserKey,
		v.PolicyMode, v.AttemptedOperation, string(v.Action), ts)
	if err != nil {
		return fmt.Errorf("append violation: %w", err)
	}
	return nil
}

func (s *sqlViolationStore) ListByChannel(ctx context.Context, channelID string, limit int) ([]*models.SecurityViolation, error) {
	rows, err := s.q.query(ctx,
		`SELECT channel_id, violation_type, message_id, user_key, policy_mode, attempted_operation, action, created_at
		 FROM security_violations WHERE channel_id = $1 ORDER BY created_at DESC`+clampLimit(limit),
		channelID)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	violations := []*models.SecurityViolation{}
	for rows.Next() {
		var v models.SecurityViolation
		var vt, action string
		if err := rows.Scan(&v.ChannelID, &vt, &v.MessageID, &v.UserKey,
			&v.PolicyMode, &v.AttemptedOperation, &action, &v.Timestamp); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.ViolationType = models.ViolationType(vt)
		v.Action = models.ViolationAction(action)
		violations = append(violations, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	return violations, nil
}

type sqlDedupeStore struct {
	q *querier
}

func (s *sqlDedupeStore) MarkSeen(ctx context.Context, channelID, messageID string) (bool, error) {
	if channelID == "" || messageID == "" {
		return false, fmt.Errorf("channel id and message id are required")
	}
	res, err := s.q.exec(ctx,
		`INSERT INTO message_dedupe (channel_id, message_id, seen_at)
		 VALUES ($1,$2,$3) ON CONFLICT (channel_id, message_id) DO NOTHING`,
		channelID, messageID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark seen rows affected: %w", err)
	}
	return n > 0, nil
}

type sqlExtensionStore struct {
	q *querier
}

func (s *sqlExtensionStore) Put(ctx context.Context, rec *models.ExtensionRecord) error {
	if rec == nil || rec.ExtensionID == "" {
		return fmt.Errorf("extension record is required")
	}
	_, err := s.q.exec(ctx,
		`INSERT INTO extensions (extension_id, name, version, status, enabled, sha256, source, source_url, installed_at, manifest_json)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (extension_id) DO UPDATE SET
		   name = excluded.name,
		   version = excluded.version,
		   status = excluded.status,
		   enabled = excluded.enabled,
		   sha256 = excluded.sha256,
		   source = excluded.source,
		   source_url = excluded.source_url,
		   installed_at = excluded.installed_at,
		   manifest_json = excluded.manifest_json`,
		rec.ExtensionID, rec.Name, rec.Version, string(rec.Status), rec.Enabled,
		rec.SHA256, rec.Source, rec.SourceURL, rec.InstalledAt, rec.ManifestJSON)
	if err != nil {
		return fmt.Errorf("put extension: %w", err)
	}
	return nil
}

func scanExtension(scan func(...any) error) (*models.ExtensionRecord, error) {
	var rec models.ExtensionRecord
	var status string
	if err := scan(&rec.ExtensionID, &rec.Name, &rec.Version, &status, &rec.Enabled,
		&rec.SHA256, &rec.Source, &rec.SourceURL, &rec.InstalledAt, &rec.ManifestJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan extension: %w", err)
	}
	rec.Status = models.ExtensionStatus(status)
	return &rec, nil
}

func (s *sqlExtensionStore) Get(ctx context.Context, extensionID string) (*models.ExtensionRecord, error) {
	if extensionID == "" {
		return nil, ErrNotFound
	}
	row := s.q.queryRow(ctx,
		`SELECT extension_id, name, version, status, enabled, sha256, source, source_url, installed_at, manifest_json
		 FROM extensions WHERE extension_id = $1`, extensionID)
	return scanExtension(row.Scan)
}

func (s *sqlExtensionStore) List(ctx context.Context) ([]*models.ExtensionRecord, error) {
	rows, err := s.q.query(ctx,
		`SELECT extension_id, name, version, status, enabled, sha256, source, source_url, installed_at, manifest_json
		 FROM extensions ORDER BY extension_id`)
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	defer rows.Close()

	records := []*models.ExtensionRecord{}
	for rows.Next() {
		rec, err := scanExtension(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	return records, nil
}

func (s *sqlExtensionStore) SetEnabled(ctx context.Context, extensionID string, enabled bool) error {
	res, err := s.q.exec(ctx,
		`UPDATE extensions SET enabled = $1 WHERE extension_id = $2`, enabled, extensionID)
	if err != nil {
		return fmt.Errorf("set extension enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set extension enabled rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlExtensionStore) SetStatus(ctx context.Context, extensionID string, status models.ExtensionStatus) error {
	res, err := s.q.exec(ctx,
		`UPDATE extensions SET status = $1 WHERE extension_id = $2`, string(status), extensionID)
	if err != nil {
		return fmt.Errorf("set extension status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set extension status rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlExtensionStore) Delete(ctx context.Context, extensionID string) error {
	if extensionID == "" {
		return ErrNotFound
	}
	res, err := s.q.exec(ctx, `DELETE FROM extensions WHERE extension_id = $1`, extensionID)
	if err != nil {
		return fmt.Errorf("delete extension: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete extension rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type sqlInstallStore struct {
	q *querier
}

func (s *sqlInstallStore) Create(ctx context.Context, rec *models.InstallRecord) error {
	if rec == nil || rec.InstallID == "" {
		return fmt.Errorf("install record is required")
	}
	_, err := s.q.exec(ctx,
		`INSERT INTO extension_installs (install_id, extension_id, status, progress, current_step, started_at, completed_at, error)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.InstallID, rec.ExtensionID, string(rec.Status), rec.Progress,
		rec.CurrentStep, rec.StartedAt, rec.CompletedAt, rec.Error)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create install: %w", err)
	}
	return nil
}

func (s *sqlInstallStore) Update(ctx context.Context, rec *models.InstallRecord) error {
	if rec == nil || rec.InstallID == "" {
		return fmt.Errorf("install record is required")
	}
	res, err := s.q.exec(ctx,
		`UPDATE extension_installs
		 SET status = $1, progress = $2, current_step = $3, completed_at = $4, error = $5
		 WHERE install_id = $6`,
		string(rec.Status), rec.Progress, rec.CurrentStep, rec.CompletedAt, rec.Error, rec.InstallID)
	if err != nil {
		return fmt.Errorf("update install: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update install rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanInstall(scan func(...any) error) (*models.InstallRecord, error) {
	var rec models.InstallRecord
	var status string
	var completed sql.NullTime
	if err := scan(&rec.InstallID, &rec.ExtensionID, &status, &rec.Progress,
		&rec.CurrentStep, &rec.StartedAt, &completed, &rec.Error); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan install: %w", err)
	}
	rec.Status = models.InstallStatus(status)
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func (s *sqlInstallStore) Get(ctx context.Context, installID string) (*models.InstallRecord, error) {
	if installID == "" {
		return nil, ErrNotFound
	}
	row := s.q.queryRow(ctx,
		`SELECT install_id, extension_id, status, progress, current_step, started_at, completed_at, error
		 FROM extension_installs WHERE install_id = $1`, installID)
	return scanInstall(row.Scan)
}

func (s *sqlInstallStore) ActiveForExtension(ctx context.Context, extensionID string) (*models.InstallRecord, error) {
	row := s.q.queryRow(ctx,
		`SELECT install_id, extension_id, status, progress, current_step, started_at, completed_at, error
		 FROM extension_installs WHERE extension_id = $1 AND status = $2
		 ORDER BY started_at DESC LIMIT 1`,
		extensionID, string(models.InstallRunning))
	return scanInstall(row.Scan)
}

type sqlExtensionConfigStore struct {
	q *querier
}

func (s *sqlExtensionConfigStore) Save(ctx context.Context, extensionID, configJSON string) error {
	if extensionID == "" {
		return fmt.Errorf("extension id is required")
	}
	_, err := s.q.exec(ctx,
		`INSERT INTO extension_configs (extension_id, config_json, updated_at)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (extension_id) DO UPDATE SET
		   config_json = excluded.config_json,
		   updated_at = excluded.updated_at`,
		extensionID, configJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save extension config: %w", err)
	}
	return nil
}

func (s *sqlExtensionConfigStore) Get(ctx context.Context, extensionID string) (string, error) {
	var cfg string
	err := s.q.queryRow(ctx,
		`SELECT config_json FROM extension_configs WHERE extension_id = $1`, extensionID).Scan(&cfg)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get extension config: %w", err)
	}
	return cfg, nil
}

type sqlDecisionStore struct {
	q *querier
}

func (s *sqlDecisionStore) Append(ctx context.Context, d *models.EvolutionDecision) error {
	if d == nil || d.DecisionID == "" {
		return fmt.Errorf("decision is required")
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.q.exec(ctx,
		`INSERT INTO evolution_decisions (decision_id, extension_id, action, risk_score, trajectory, review_level, explanation, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.DecisionID, d.ExtensionID, string(d.Action), d.RiskScoreSnapshot,
		string(d.TrajectorySnapshot), string(d.ReviewLevel), d.Explanation, string(d.Status), created)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

func scanDecision(scan func(...any) error) (*models.EvolutionDecision, error) {
	var d models.EvolutionDecision
	var action, trajectory, review, status string
	if err := scan(&d.DecisionID, &d.ExtensionID, &action, &d.RiskScoreSnapshot,
		&trajectory, &review, &d.Explanation, &status, &d.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan decision: %w", err)
	}
	d.Action = models.EvolutionAction(action)
	d.TrajectorySnapshot = models.Trajectory(trajectory)
	d.ReviewLevel = models.ReviewLevel(review)
	d.Status = models.DecisionStatus(status)
	return &d, nil
}

const decisionColumns = `decision_id, extension_id, action, risk_score, trajectory, review_level, explanation, status, created_at`

func (s *sqlDecisionStore) Get(ctx context.Context, decisionID string) (*models.EvolutionDecision, error) {
	row := s.q.queryRow(ctx,
		`SELECT `+decisionColumns+` FROM evolution_decisions WHERE decision_id = $1`, decisionID)
	return scanDecision(row.Scan)
}

func (s *sqlDecisionStore) ListByExtension(ctx context.Context, extensionID string, limit int) ([]*models.EvolutionDecision, error) {
	rows, err := s.q.query(ctx,
		`SELECT `+decisionColumns+` FROM evolution_decisions
		 WHERE extension_id = $1 ORDER BY created_at DESC`+clampLimit(limit), extensionID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

func (s *sqlDecisionStore) ListByStatus(ctx context.Context, status models.DecisionStatus, limit int) ([]*models.EvolutionDecision, error) {
	rows, err := s.q.query(ctx,
		`SELECT `+decisionColumns+` FROM evolution_decisions
		 WHERE status = $1 ORDER BY created_at DESC`+clampLimit(limit), string(status))
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

func collectDecisions(rows *sql.Rows) ([]*models.EvolutionDecision, error) {
	decisions := []*models.EvolutionDecision{}
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return decisions, nil
}

func (s *sqlDecisionStore) SetStatus(ctx context.Context, decisionID string, from, to models.DecisionStatus) error {
	res, err := s.q.exec(ctx,
		`UPDATE evolution_decisions SET status = $1 WHERE decision_id = $2 AND status = $3`,
		string(to), decisionID, string(from))
	if err != nil {
		return fmt.Errorf("set decision status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set decision status rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("decision %s not in status %s: %w", decisionID, from, ErrNotFound)
	}
	return nil
}

type sqlLeadFindingStore struct {
	q *querier
}

func (s *sqlLeadFindingStore) Observe(ctx context.Context, f *models.LeadFinding) error {
	if f == nil || f.Fingerprint == "" {
		return fmt.Errorf("finding is required")
	}
	now := time.Now().UTC()
	first := f.FirstSeenAt
	if first.IsZero() {
		first = now
	}
	last := f.LastSeenAt
	if last.IsZero() {
		last = now
	}
	count := f.Count
	if count == 0 {
		count = 1
	}
	_, err := s.q.exec(ctx,
		`INSERT INTO lead_findings (fingerprint, code, severity, title, description, window_kind, first_seen_at, last_seen_at, count, evidence_json, linked_task_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (fingerprint) DO UPDATE SET
		   last_seen_at = excluded.last_seen_at,
		   count = lead_findings.count + 1,
		   evidence_json = excluded.evidence_json`,
		f.Fingerprint, f.Code, f.Severity, f.Title, f.Description, f.WindowKind,
		first, last, count, f.EvidenceJSON, f.LinkedTaskID)
	if err != nil {
		return fmt.Errorf("observe finding: %w", err)
	}
	return nil
}

func scanFinding(scan func(...any) error) (*models.LeadFinding, error) {
	var f models.LeadFinding
	if err := scan(&f.Fingerprint, &f.Code, &f.Severity, &f.Title, &f.Description,
		&f.WindowKind, &f.FirstSeenAt, &f.LastSeenAt, &f.Count, &f.EvidenceJSON, &f.LinkedTaskID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan finding: %w", err)
	}
	return &f, nil
}

func (s *sqlLeadFindingStore) Get(ctx context.Context, fingerprint string) (*models.LeadFinding, error) {
	row := s.q.queryRow(ctx,
		`SELECT fingerprint, code, severity, title, description, window_kind, first_seen_at, last_seen_at, count, evidence_json, linked_task_id
		 FROM lead_findings WHERE fingerprint = $1`, fingerprint)
	return scanFinding(row.Scan)
}

func (s *sqlLeadFindingStore) List(ctx context.Context, limit int) ([]*models.LeadFinding, error) {
	rows, err := s.q.query(ctx,
		`SELECT fingerprint, code, severity, title, description, window_kind, first_seen_at, last_seen_at, count, evidence_json, linked_task_id
		 FROM lead_findings ORDER BY last_seen_at DESC`+clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	findings := []*models.LeadFinding{}
	for rows.Next() {
		f, err := scanFinding(rows.Scan)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	return findings, nil
}

type sqlTaskAuditStore struct {
	q *querier
}

func (s *sqlTaskAuditStore) Append(ctx context.Context, a *models.TaskAudit) error {
	if a == nil || a.TaskID == "" {
		return fmt.Errorf("task audit is required")
	}
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	payload, err := marshalDetails(a.PayloadJSON)
	if err != nil {
		return err
	}
	_, err = s.q.exec(ctx,
		`INSERT INTO task_audits (id, task_id, event_type, payload_json, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		id, a.TaskID, a.EventType, payload, created)
	if err != nil {
		return fmt.Errorf("append task audit: %w", err)
	}
	return nil
}

func (s *sqlTaskAuditStore) ListByTask(ctx context.Context, taskID string, limit int) ([]*models.TaskAudit, error) {
	rows, err := s.q.query(ctx,
		`SELECT id, task_id, event_type, payload_json, created_at
		 FROM task_audits WHERE task_id = $1 ORDER BY created_at DESC`+clampLimit(limit), taskID)
	if err != nil {
		return nil, fmt.Errorf("list task audits: %w", err)
	}
	defer rows.Close()

	audits := []*models.TaskAudit{}
	for rows.Next() {
		var a models.TaskAudit
		var payload string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.EventType, &payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task audit: %w", err)
		}
		if a.PayloadJSON, err = unmarshalDetails(payload); err != nil {
			return nil, err
		}
		audits = append(audits, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task audits: %w", err)
	}
	return audits, nil
}

type sqlSystemLogStore struct {
	q *querier
}

func (s *sqlSystemLogStore) Append(ctx context.Context, l *models.SystemLog) error {
	if l == nil || l.Message == "" {
		return fmt.Errorf("system log is required")
	}
	id := l.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := l.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	contextJSON, err := marshalDetails(l.ContextJSON)
	if err != nil {
		return err
	}
	_, err = s.q.exec(ctx,
		`INSERT INTO system_logs (id, level, message, context_json, timestamp)
		 VALUES ($1,$2,$3,$4,$5)`,
		id, l.Level, l.Message, contextJSON, ts)
	if err != nil {
		return fmt.Errorf("append system log: %w", err)
	}
	return nil
}

func (s *sqlSystemLogStore) ListRecent(ctx context.Context, since time.Time, limit int) ([]*models.SystemLog, error) {
	rows, err := s.q.query(ctx,
		`SELECT id, level, message, context_json, timestamp
		 FROM system_logs WHERE timestamp >= $1 ORDER BY timestamp DESC`+clampLimit(limit), since)
	if err != nil {
		return nil, fmt.Errorf("list system logs: %w", err)
	}
	defer rows.Close()

	logs := []*models.SystemLog{}
	for rows.Next() {
		var l models.SystemLog
		var contextJSON string
		if err := rows.Scan(&l.ID, &l.Level, &l.Message, &contextJSON, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan system log: %w", err)
		}
		if l.ContextJSON, err = unmarshalDetails(contextJSON); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list system logs: %w", err)
	}
	return logs, nil
}
