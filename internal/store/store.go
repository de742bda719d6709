// Package store 把运行、单元和故障写入本地 SQLite 数据库
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"r2r-test-station/internal/types"
)

// Run 是 runs 表中的一行
type Run struct {
	ID                  string
	StartCounter        int64
	ReelLocation        int64
	Cause               types.StopCause
	Planned             bool
	Detail              string
	Counters            types.CountersSnapshot
	NextExternalCounter int64
	StartedAt           time.Time
	FinishedAt          *time.Time
}

// Store 持有数据库连接
type Store struct {
	db *sql.DB
}

// New 打开（必要时创建）数据库并执行迁移
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite 只允许一个写者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate 幂等建表
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		start_counter INTEGER NOT NULL,
		reel_location INTEGER NOT NULL,
		cause TEXT,
		planned INTEGER NOT NULL DEFAULT 0,
		detail TEXT,
		counters TEXT,
		next_external_counter INTEGER,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS units (
		run_id TEXT NOT NULL,
		location INTEGER NOT NULL,
		unit_id TEXT,
		external_id TEXT,
		outcome TEXT NOT NULL,
		metrics TEXT,
		tested_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, location),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS faults (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		worker TEXT NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT,
		at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_units_outcome ON units(run_id, outcome);
	CREATE INDEX IF NOT EXISTS idx_faults_run_id ON faults(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StartRun 登记一次运行，重复登记同一个 ID 不报错
func (s *Store) StartRun(ctx context.Context, runID string, startCounter, reelLocation int64, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (id, start_counter, reel_location, started_at) VALUES (?, ?, ?, ?)`,
		runID, startCounter, reelLocation, startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// InsertUnit 写入一个单元的分类结果
func (s *Store) InsertUnit(ctx context.Context, runID string, u types.Unit) error {
	var metrics sql.NullString
	if len(u.Metrics) > 0 {
		data, err := json.Marshal(u.Metrics)
		if err != nil {
			return fmt.Errorf("marshal unit metrics: %w", err)
		}
		metrics = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO units (run_id, location, unit_id, external_id, outcome, metrics, tested_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, u.Location, u.UnitID, u.ExternalID, string(u.Outcome), metrics, u.TestedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert unit %d: %w", u.Location, err)
	}
	return nil
}

// InsertFault 写入一条故障
func (s *Store) InsertFault(ctx context.Context, runID string, f types.FaultRecord) error {
	msg := f.Message
	if f.Err != nil {
		msg = fmt.Sprintf("%s: %v", f.Message, f.Err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO faults (run_id, worker, kind, severity, message, at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, string(f.Worker), string(f.Kind), string(f.Severity), msg, f.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert fault: %w", err)
	}
	return nil
}

// FinishRun 写入最终汇总；运行未登记时按汇总补登
func (s *Store) FinishRun(ctx context.Context, sum types.RunSummary) error {
	counters, err := json.Marshal(sum.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (id, start_counter, reel_location, started_at) VALUES (?, ?, ?, ?)`,
		sum.RunID, 0, 0, sum.StartedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET cause = ?, planned = ?, detail = ?, counters = ?, next_external_counter = ?, reel_location = ?, finished_at = ? WHERE id = ?`,
		string(sum.Cause), sum.Planned, sum.Detail, string(counters), sum.NextExternalCounter, sum.ReelLocation, sum.FinishedAt.UTC(), sum.RunID,
	); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit()
}

// GetRun 按 ID 读取运行，不存在时返回 nil
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var (
		r          Run
		cause      sql.NullString
		detail     sql.NullString
		counters   sql.NullString
		next       sql.NullInt64
		finishedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, start_counter, reel_location, cause, planned, detail, counters, next_external_counter, started_at, finished_at FROM runs WHERE id = ?`,
		runID,
	).Scan(&r.ID, &r.StartCounter, &r.ReelLocation, &cause, &r.Planned, &detail, &counters, &next, &r.StartedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	r.Cause = types.StopCause(cause.String)
	r.Detail = detail.String
	r.NextExternalCounter = next.Int64
	if counters.Valid {
		if err := json.Unmarshal([]byte(counters.String), &r.Counters); err != nil {
			return nil, fmt.Errorf("decode counters: %w", err)
		}
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return &r, nil
}

// ListUnits 按位置顺序返回一次运行的全部单元
func (s *Store) ListUnits(ctx context.Context, runID string) ([]types.Unit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT location, unit_id, external_id, outcome, metrics, tested_at FROM units WHERE run_id = ? ORDER BY location`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var units []types.Unit
	for rows.Next() {
		var (
			u       types.Unit
			unitID  sql.NullString
			extID   sql.NullString
			outcome string
			metrics sql.NullString
		)
		if err := rows.Scan(&u.Location, &unitID, &extID, &outcome, &metrics, &u.TestedAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.UnitID = unitID.String
		u.ExternalID = extID.String
		u.Outcome = types.Outcome(outcome)
		if metrics.Valid {
			if err := json.Unmarshal([]byte(metrics.String), &u.Metrics); err != nil {
				return nil, fmt.Errorf("decode unit metrics: %w", err)
			}
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// CountOutcomes 统计一次运行各结论的单元数
func (s *Store) CountOutcomes(ctx context.Context, runID string) (map[types.Outcome]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM units WHERE run_id = ? GROUP BY outcome`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[types.Outcome]int64)
	for rows.Next() {
		var (
			o string
			n int64
		)
		if err := rows.Scan(&o, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		out[types.Outcome(o)] = n
	}
	return out, rows.Err()
}

// ListFaults 返回一次运行的故障，按写入顺序
func (s *Store) ListFaults(ctx context.Context, runID string) ([]types.FaultRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker, kind, severity, message, at FROM faults WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query faults: %w", err)
	}
	defer rows.Close()

	var faults []types.FaultRecord
	for rows.Next() {
		var (
			f                      types.FaultRecord
			worker, kind, severity string
			msg                    sql.NullString
		)
		if err := rows.Scan(&worker, &kind, &severity, &msg, &f.At); err != nil {
			return nil, fmt.Errorf("scan fault: %w", err)
		}
		f.Worker = types.WorkerID(worker)
		f.Kind = types.FaultKind(kind)
		f.Severity = types.Severity(severity)
		f.Message = msg.String
		faults = append(faults, f)
	}
	return faults, rows.Err()
}
