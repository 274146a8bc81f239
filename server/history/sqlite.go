package history

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	migration "github.com/panupd/panupd/db/migration/history"
	"github.com/panupd/panupd/db/sqlite"
)

// OutcomeRunning marks an attempt that has not finished yet.
const OutcomeRunning = "running"

// Attempt is one row of the upgrade audit trail.
type Attempt struct {
	ID          string     `json:"id"`
	FromVersion string     `json:"from_version"`
	ToVersion   string     `json:"to_version"`
	Steps       []string   `json:"steps"`
	Outcome     string     `json:"outcome"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// SqliteProvider stores upgrade attempts in a local sqlite database.
type SqliteProvider struct {
	db *sqlx.DB
}

func NewSqliteProvider(dbPath string) (*SqliteProvider, error) {
	db, err := sqlite.New(dbPath, migration.FS, sqlite.DataSourceOptions{WALEnabled: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create upgrade history DB instance: %v", err)
	}
	return &SqliteProvider{db: db}, nil
}

func (p *SqliteProvider) Close() error {
	return p.db.Close()
}

// RecordStart inserts a new attempt in the running state.
func (p *SqliteProvider) RecordStart(id, fromVersion, toVersion string, steps []string, startedAt time.Time) error {
	_, err := p.db.NamedExec(`INSERT INTO upgrade_attempts (id, from_version, to_version, steps, outcome, error, started_at)
								VALUES (:id, :from_version, :to_version, :steps, :outcome, '', :started_at)`,
		map[string]interface{}{
			"id":           id,
			"from_version": fromVersion,
			"to_version":   toVersion,
			"steps":        stepList(steps),
			"outcome":      OutcomeRunning,
			"started_at":   startedAt,
		})
	return errors.Wrap(err, "failed to record upgrade attempt")
}

// RecordFinish stamps the terminal outcome of an attempt.
func (p *SqliteProvider) RecordFinish(id, outcome, errorMessage string, finishedAt time.Time) error {
	_, err := p.db.Exec(`UPDATE upgrade_attempts SET outcome=?, error=?, finished_at=? WHERE id=?`,
		outcome, errorMessage, finishedAt, id)
	return errors.Wrap(err, "failed to record upgrade outcome")
}

// List returns the most recent attempts, newest first.
func (p *SqliteProvider) List(limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*attemptSqlite
	err := p.db.Select(&rows, `SELECT * FROM upgrade_attempts ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read upgrade history")
	}
	result := make([]*Attempt, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.convert())
	}
	return result, nil
}

// GetByID returns a single attempt or nil when unknown.
func (p *SqliteProvider) GetByID(id string) (*Attempt, error) {
	row := &attemptSqlite{}
	err := p.db.Get(row, `SELECT * FROM upgrade_attempts WHERE id=?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read upgrade attempt")
	}
	return row.convert(), nil
}

type attemptSqlite struct {
	ID          string       `db:"id"`
	FromVersion string       `db:"from_version"`
	ToVersion   string       `db:"to_version"`
	Steps       stepList     `db:"steps"`
	Outcome     string       `db:"outcome"`
	Error       string       `db:"error"`
	StartedAt   time.Time    `db:"started_at"`
	FinishedAt  sql.NullTime `db:"finished_at"`
}

func (a *attemptSqlite) convert() *Attempt {
	res := &Attempt{
		ID:          a.ID,
		FromVersion: a.FromVersion,
		ToVersion:   a.ToVersion,
		Steps:       a.Steps,
		Outcome:     a.Outcome,
		Error:       a.Error,
		StartedAt:   a.StartedAt,
	}
	if a.FinishedAt.Valid {
		t := a.FinishedAt.Time
		res.FinishedAt = &t
	}
	return res
}

// stepList stores the human-readable step plan as a JSON array column.
type stepList []string

func (l *stepList) Scan(value interface{}) error {
	valueStr, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected to have string, got %T", value)
	}
	if err := json.Unmarshal([]byte(valueStr), l); err != nil {
		return fmt.Errorf("failed to decode 'steps' field: %v", err)
	}
	return nil
}

func (l stepList) Value() (driver.Value, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode 'steps' field: %v", err)
	}
	return string(b), nil
}
