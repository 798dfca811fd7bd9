// Package mocks provides testify mocks for the ClickHouse driver.
package mocks

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/mock"
)

// MockConn is a driver.Conn whose query methods record (ctx, query, args...) so expectations
// can match on bound parameters.
type MockConn struct {
	mock.Mock
}

var _ driver.Conn = (*MockConn)(nil)

func (m *MockConn) called(ctx context.Context, query string, args []any) mock.Arguments {
	return m.Called(append([]any{ctx, query}, args...)...)
}

func (m *MockConn) Contributors() []string {
	return m.Called().Get(0).([]string)
}

func (m *MockConn) ServerVersion() (*driver.ServerVersion, error) {
	ret := m.Called()
	v, _ := ret.Get(0).(*driver.ServerVersion)
	return v, ret.Error(1)
}

func (m *MockConn) Select(ctx context.Context, _ any, query string, args ...any) error {
	return m.called(ctx, query, args).Error(0)
}

func (m *MockConn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	ret := m.called(ctx, query, args)
	rows, _ := ret.Get(0).(driver.Rows)
	return rows, ret.Error(1)
}

func (m *MockConn) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	row, _ := m.called(ctx, query, args).Get(0).(driver.Row)
	return row
}

func (m *MockConn) Exec(ctx context.Context, query string, args ...any) error {
	return m.called(ctx, query, args).Error(0)
}

func (m *MockConn) AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error {
	return m.called(ctx, query, append([]any{wait}, args...)).Error(0)
}

func (m *MockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	extra := make([]any, len(opts))
	for i, opt := range opts {
		extra[i] = opt
	}
	ret := m.called(ctx, query, extra)
	batch, _ := ret.Get(0).(driver.Batch)
	return batch, ret.Error(1)
}

func (m *MockConn) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockConn) Stats() driver.Stats {
	stats, _ := m.Called().Get(0).(driver.Stats)
	return stats
}

func (m *MockConn) Close() error {
	return m.Called().Error(0)
}

// Row is a driver.Row that copies Values into the scan destinations in order, or fails with
// ScanErr.
type Row struct {
	Values  []any
	ScanErr error
}

var _ driver.Row = Row{}

func (r Row) Scan(dest ...any) error {
	if r.ScanErr != nil {
		return r.ScanErr
	}
	if len(dest) != len(r.Values) {
		return fmt.Errorf("scan: got %d destinations, have %d values", len(dest), len(r.Values))
	}
	for i, d := range dest {
		ptr := reflect.ValueOf(d)
		if ptr.Kind() != reflect.Pointer || ptr.IsNil() {
			return fmt.Errorf("scan: destination %d is not a non-nil pointer", i)
		}
		v := reflect.ValueOf(r.Values[i])
		if !v.Type().AssignableTo(ptr.Elem().Type()) {
			return fmt.Errorf("scan: cannot assign %s to destination %d of type %s", v.Type(), i, ptr.Elem().Type())
		}
		ptr.Elem().Set(v)
	}
	return nil
}

func (r Row) ScanStruct(dest any) error { return r.Scan(dest) }

func (r Row) Err() error { return r.ScanErr }
