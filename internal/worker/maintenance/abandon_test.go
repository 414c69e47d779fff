package maintenance

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// mockExecutor はExecutorのモック実装。クエリと引数を記録する。
type mockExecutor struct {
	query  string
	args   []interface{}
	result sql.Result
	err    error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.query = query
	m.args = args
	return m.result, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func TestNewDeviceAbandoner_DefaultRetention(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 90},
		{-1, 90},
		{30, 30},
	}
	for _, tt := range tests {
		j := NewDeviceAbandoner(&mockExecutor{}, newTestLogger(&bytes.Buffer{}), tt.in)
		if j.RetentionDays != tt.want {
			t.Errorf("NewDeviceAbandoner(%d).RetentionDays = %d, want %d", tt.in, j.RetentionDays, tt.want)
		}
	}
}

func TestDeviceAbandoner_Run_MarksWithoutDeleting(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 7}}
	j := NewDeviceAbandoner(mock, newTestLogger(&buf), 90)

	n, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if n != 7 {
		t.Errorf("abandoned = %d, want 7", n)
	}

	q := strings.ToUpper(mock.query)
	if strings.Contains(q, "DELETE") {
		t.Errorf("devices must never be deleted: %s", mock.query)
	}
	for _, want := range []string{"UPDATE ANONYMOUS_DEVICES", "ABANDONED_AT = NOW()", "ABANDONED_AT IS NULL", "UPDATED_AT <"} {
		if !strings.Contains(q, want) {
			t.Errorf("query does not contain %q: %s", want, mock.query)
		}
	}
	if len(mock.args) != 1 || mock.args[0] != "90 days" {
		t.Errorf("args = %v, want [90 days]", mock.args)
	}
	if !strings.Contains(buf.String(), `"abandoned_count":7`) {
		t.Errorf("log does not contain abandoned_count=7: %s", buf.String())
	}
}

func TestDeviceAbandoner_Run_ReturnsError(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{err: errors.New("connection refused")}
	j := NewDeviceAbandoner(mock, newTestLogger(&buf), 90)

	if _, err := j.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("error was not logged: %s", buf.String())
	}
}
