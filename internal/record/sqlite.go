package record

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"netqual/internal/bandwidth"
	"netqual/internal/latency"
	"netqual/internal/measure"
	logx "netqual/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteLog stores each run as one row in runs plus one row per target in latency.
type SQLiteLog struct {
	db      *sql.DB
	path    string
	targets []string
	log     logx.Logger
}

func OpenSQLite(path string, targets []string, log logx.Logger) (*SQLiteLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	// One writer serializes appends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &SQLiteLog{db: db, path: path, targets: slices.Clone(targets), log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "migrate", Path: path, Err: err}
	}
	return s, nil
}

func (s *SQLiteLog) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLiteLog) Path() string { return s.path }

func (s *SQLiteLog) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteLog) Append(ctx context.Context, res *measure.AggregateResult) error {
	if res == nil {
		return &StorageError{Op: "append", Path: s.path, Err: errors.New("nil result")}
	}
	if err := s.insert(ctx, res); err != nil {
		return &StorageError{Op: "append", Path: s.path, Err: err}
	}
	s.log.Debug("record appended", logx.String("path", s.path), logx.String("run_id", res.RunID.String()))
	return nil
}

func (s *SQLiteLog) insert(ctx context.Context, res *measure.AggregateResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	runID := res.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	bw := res.Bandwidth
	var down, up, ping, bwErr, bwDetail any
	if bw.Available() {
		down, up, ping = bw.DownloadMbps, bw.UploadMbps, bw.PingMs
	} else {
		bwErr, bwDetail = string(bw.Unavailable), nullStr(bw.Detail)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs(run_id, at, download_mbps, upload_mbps, isp_ping_ms, bandwidth_error, bandwidth_detail, isp, server, elapsed_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		runID.String(), res.Timestamp.UnixMilli(), down, up, ping, bwErr, bwDetail,
		nullStr(bw.ISP), nullStr(bw.Server), res.Elapsed.Milliseconds(),
	); err != nil {
		return err
	}

	for i, t := range res.Targets {
		r := res.Latency[t.Name]
		var avg, jitter, stddev, loss, stability, failure any
		var sent, received int
		if r != nil {
			if r.AverageMs != nil {
				avg = *r.AverageMs
			}
			jitter, stddev, loss = r.JitterMs, r.StdDevMs, r.PacketLossPct
			stability = r.Stability.String()
			sent, received = r.Sent, r.Received
		}
		if f, ok := res.Failures[t.Name]; ok {
			failure = string(f.Kind)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO latency(run_id, position, target, host, avg_ms, jitter_ms, stddev_ms, loss_pct, sent, received, stability, failure)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
			runID.String(), i, t.Name, t.Host, avg, jitter, stddev, loss, sent, received, stability, failure,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Recent rebuilds the newest n runs and flattens them like the CSV log does.
func (s *SQLiteLog) Recent(ctx context.Context, n int) (*Table, error) {
	if n <= 0 {
		n = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, at, download_mbps, upload_mbps, isp_ping_ms, bandwidth_error
		 FROM runs ORDER BY at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, &StorageError{Op: "query", Path: s.path, Err: err}
	}

	var runs []*measure.AggregateResult
	for rows.Next() {
		var (
			id             string
			at             int64
			down, up, ping sql.NullFloat64
			bwErr          sql.NullString
		)
		if err := rows.Scan(&id, &at, &down, &up, &ping, &bwErr); err != nil {
			_ = rows.Close()
			return nil, &StorageError{Op: "scan", Path: s.path, Err: err}
		}
		res := &measure.AggregateResult{
			Timestamp: time.UnixMilli(at),
			Latency:   map[string]*latency.Result{},
			Failures:  map[string]measure.UnitFailure{},
		}
		res.RunID, _ = uuid.Parse(id)
		if bwErr.Valid {
			res.Bandwidth.Unavailable = bandwidth.Reason(bwErr.String)
		} else {
			res.Bandwidth.DownloadMbps, res.Bandwidth.UploadMbps, res.Bandwidth.PingMs = down.Float64, up.Float64, ping.Float64
		}
		runs = append(runs, res)
	}
	if err := rows.Close(); err != nil {
		return nil, &StorageError{Op: "query", Path: s.path, Err: err}
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query", Path: s.path, Err: err}
	}

	t := &Table{Header: Header(s.targets)}
	for i := len(runs) - 1; i >= 0; i-- {
		if err := s.loadLatency(ctx, runs[i]); err != nil {
			return nil, &StorageError{Op: "query", Path: s.path, Err: err}
		}
		t.Rows = append(t.Rows, Flatten(runs[i], s.targets))
	}
	return t, nil
}

func (s *SQLiteLog) loadLatency(ctx context.Context, res *measure.AggregateResult) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target, avg_ms, jitter_ms, stddev_ms, loss_pct, sent, received, stability, failure
		 FROM latency WHERE run_id = ? ORDER BY position`, res.RunID.String())
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			target                    string
			avg, jitter, stddev, loss sql.NullFloat64
			sent, received            int
			stability, failure        sql.NullString
		)
		if err := rows.Scan(&target, &avg, &jitter, &stddev, &loss, &sent, &received, &stability, &failure); err != nil {
			return err
		}
		if failure.Valid {
			res.Failures[target] = measure.UnitFailure{Kind: measure.FailureKind(failure.String)}
		}
		if !stability.Valid {
			res.Latency[target] = nil
			continue
		}
		r := &latency.Result{
			JitterMs:      jitter.Float64,
			StdDevMs:      stddev.Float64,
			PacketLossPct: loss.Float64,
			Sent:          sent,
			Received:      received,
		}
		if avg.Valid {
			v := avg.Float64
			r.AverageMs = &v
		}
		r.Stability, _ = latency.ParseStability(stability.String)
		res.Latency[target] = r
	}
	return rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
