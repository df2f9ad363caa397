package record

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"netqual/internal/measure"
	logx "netqual/pkg/logx"
)

// CSVLog appends one row per run to a CSV file, writing the header only when
// the file is empty. Appends are serialized within the process.
type CSVLog struct {
	mu      sync.Mutex
	path    string
	targets []string
	header  []string
	log     logx.Logger

	checked bool
}

func OpenCSV(path string, targets []string, log logx.Logger) *CSVLog {
	return &CSVLog{
		path:    path,
		targets: slices.Clone(targets),
		header:  Header(targets),
		log:     log,
	}
}

func (l *CSVLog) Path() string { return l.path }

func (l *CSVLog) Close() error { return nil }

func (l *CSVLog) Append(ctx context.Context, res *measure.AggregateResult) error {
	if res == nil {
		return &StorageError{Op: "append", Path: l.path, Err: errors.New("nil result")}
	}
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "append", Path: l.path, Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &StorageError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &StorageError{Op: "open", Path: l.path, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return &StorageError{Op: "stat", Path: l.path, Err: err}
	}

	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(l.header); err != nil {
			return &StorageError{Op: "write header", Path: l.path, Err: err}
		}
	} else if !l.checked {
		l.warnOnHeaderMismatch()
	}
	l.checked = true

	if err := w.Write(Flatten(res, l.targets)); err != nil {
		return &StorageError{Op: "write", Path: l.path, Err: err}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &StorageError{Op: "flush", Path: l.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &StorageError{Op: "sync", Path: l.path, Err: err}
	}
	l.log.Debug("record appended", logx.String("path", l.path), logx.String("run_id", res.RunID.String()))
	return nil
}

// warnOnHeaderMismatch logs when an existing file was written for another
// target list. Rows are still appended; the log is never rewritten.
func (l *CSVLog) warnOnHeaderMismatch() {
	f, err := os.Open(l.path)
	if err != nil {
		return
	}
	defer f.Close()
	got, err := csv.NewReader(bufio.NewReader(f)).Read()
	if err != nil || slices.Equal(got, l.header) {
		return
	}
	l.log.Warn("existing record header differs from configured targets; appending anyway",
		logx.String("path", l.path), logx.Int("columns", len(got)), logx.Int("want_columns", len(l.header)))
}

// Recent returns the newest n data rows, oldest first. The header is the
// file's own header row. A missing file yields an empty table.
func (l *CSVLog) Recent(ctx context.Context, n int) (*Table, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Table{Header: slices.Clone(l.header)}, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "open", Path: l.path, Err: err}
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1

	t := &Table{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &StorageError{Op: "read", Path: l.path, Err: err}
		}
		if t.Header == nil {
			t.Header = rec
			continue
		}
		t.Rows = append(t.Rows, rec)
		if n > 0 && len(t.Rows) > n {
			t.Rows = t.Rows[1:]
		}
	}
	if t.Header == nil {
		t.Header = slices.Clone(l.header)
	}
	return t, nil
}
