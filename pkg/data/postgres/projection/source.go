// Package projection is the PostgreSQL-backed reconcile.Source over the tables downstream
// consumers project ledger events into.
package projection

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ava-labs/ledger-sync/pkg/program/discount"
	"github.com/ava-labs/ledger-sync/pkg/reconcile"
)

// Columns shared by every projected table.
const (
	ColumnAddress      = "on_chain_address"
	ColumnCreatedAt    = "created_at"
	ColumnReconciledAt = "last_reconciled_at"
	ColumnOrphaned     = "is_orphaned"
	ColumnOrphanReason = "orphan_reason"
	ColumnOrphanedAt   = "orphaned_at"

	// pendingAddress marks rows whose creating transaction has not been observed yet.
	pendingAddress = "pending"
)

// Executor is implemented by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Table describes a projected table.
type Table struct {
	Name string
	// Columns maps reconciled field names to column names.
	Columns map[string]string
}

var (
	PromotionsTable = Table{
		Name: "promotions",
		Columns: map[string]string{
			discount.FieldCurrentSupply: "current_supply",
			discount.FieldIsActive:      "is_active",
		},
	}
	CouponsTable = Table{
		Name: "coupons",
		Columns: map[string]string{
			discount.FieldOwner:      "owner",
			discount.FieldIsRedeemed: "is_redeemed",
		},
	}
)

// Source implements reconcile.Source over one table.
type Source struct {
	db     Executor
	table  Table
	fields []string

	listAllSQL    string
	listRecentSQL string
	lookupSQL     string
	orphanSQL     string
}

var _ reconcile.Source = (*Source)(nil)

func NewSource(db Executor, table Table) (*Source, error) {
	if db == nil {
		return nil, errors.New("invalid executor: must not be nil")
	}
	if table.Name == "" || len(table.Columns) == 0 {
		return nil, errors.New("invalid table: name and columns are required")
	}
	s := &Source{
		db:     db,
		table:  table,
		fields: slices.Sorted(maps.Keys(table.Columns)),
	}

	cols := []string{ident(ColumnAddress)}
	for _, f := range s.fields {
		cols = append(cols, ident(table.Columns[f]))
	}
	base := fmt.Sprintf("SELECT %s FROM %s WHERE %s = false",
		strings.Join(cols, ", "), ident(table.Name), ident(ColumnOrphaned))
	order := " ORDER BY " + ident(ColumnAddress)
	notPending := fmt.Sprintf(" AND %s <> '%s'", ident(ColumnAddress), pendingAddress)

	s.listAllSQL = base + notPending + order
	s.listRecentSQL = base + notPending + fmt.Sprintf(" AND %s >= $1", ident(ColumnCreatedAt)) + order
	s.lookupSQL = base + fmt.Sprintf(" AND %s = $1", ident(ColumnAddress))
	s.orphanSQL = fmt.Sprintf("UPDATE %s SET %s = true, %s = $2, %s = $3 WHERE %s = $1",
		ident(table.Name), ident(ColumnOrphaned), ident(ColumnOrphanReason), ident(ColumnOrphanedAt), ident(ColumnAddress))
	return s, nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// EnsureColumns adds the reconciliation bookkeeping columns when missing.
func (s *Source) EnsureColumns(ctx context.Context) error {
	q := fmt.Sprintf(`ALTER TABLE %s
		ADD COLUMN IF NOT EXISTS %s TIMESTAMPTZ,
		ADD COLUMN IF NOT EXISTS %s BOOLEAN NOT NULL DEFAULT false,
		ADD COLUMN IF NOT EXISTS %s TEXT,
		ADD COLUMN IF NOT EXISTS %s TIMESTAMPTZ`,
		ident(s.table.Name), ident(ColumnReconciledAt), ident(ColumnOrphaned), ident(ColumnOrphanReason), ident(ColumnOrphanedAt))
	if _, err := s.db.Exec(ctx, q); err != nil {
		return fmt.Errorf("failed to add reconciliation columns to %s: %w", s.table.Name, err)
	}
	return nil
}

func (s *Source) ListRecent(ctx context.Context, since time.Time) ([]reconcile.Entity, error) {
	return s.list(ctx, s.listRecentSQL, since)
}

func (s *Source) ListAll(ctx context.Context) ([]reconcile.Entity, error) {
	return s.list(ctx, s.listAllSQL)
}

func (s *Source) list(ctx context.Context, q string, args ...any) ([]reconcile.Entity, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table.Name, err)
	}
	defer rows.Close()

	var out []reconcile.Entity
	for rows.Next() {
		ent, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", s.table.Name, err)
	}
	return out, nil
}

func (s *Source) scan(row pgx.Row) (reconcile.Entity, error) {
	var addr string
	values := make([]any, len(s.fields))
	dest := make([]any, 0, len(s.fields)+1)
	dest = append(dest, &addr)
	for i := range values {
		dest = append(dest, &values[i])
	}
	if err := row.Scan(dest...); err != nil {
		return reconcile.Entity{}, err
	}
	ent := reconcile.Entity{Address: addr, Fields: make(map[string]any, len(s.fields))}
	for i, f := range s.fields {
		ent.Fields[f] = values[i]
	}
	return ent, nil
}

func (s *Source) Lookup(ctx context.Context, address string) (reconcile.Entity, error) {
	ent, err := s.scan(s.db.QueryRow(ctx, s.lookupSQL, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return reconcile.Entity{}, reconcile.ErrNotFound
	}
	if err != nil {
		return reconcile.Entity{}, fmt.Errorf("failed to look up %s %s: %w", s.table.Name, address, err)
	}
	return ent, nil
}

// ApplyCorrection overwrites the given fields and stamps last_reconciled_at.
func (s *Source) ApplyCorrection(ctx context.Context, address string, fields map[string]any, reconciledAt time.Time) error {
	sets := make([]string, 0, len(fields)+1)
	args := []any{address}
	for _, f := range slices.Sorted(maps.Keys(fields)) {
		col, ok := s.table.Columns[f]
		if !ok {
			return fmt.Errorf("unknown field %q for table %s", f, s.table.Name)
		}
		args = append(args, fields[f])
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(col), len(args)))
	}
	args = append(args, reconciledAt)
	sets = append(sets, fmt.Sprintf("%s = $%d", ident(ColumnReconciledAt), len(args)))

	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $1",
		ident(s.table.Name), strings.Join(sets, ", "), ident(ColumnAddress))
	return s.update(ctx, q, address, args...)
}

func (s *Source) MarkOrphaned(ctx context.Context, address, reason string, orphanedAt time.Time) error {
	return s.update(ctx, s.orphanSQL, address, address, reason, orphanedAt)
}

func (s *Source) update(ctx context.Context, q, address string, args ...any) error {
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", s.table.Name, address, err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrNotFound
	}
	return nil
}
