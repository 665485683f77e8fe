package pgxa

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeSession struct {
	stmts    []string
	errs     map[string]error
	tags     map[string]string
	readOnly bool
	gids     []string
	closed   bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{errs: map[string]error{}, tags: map[string]string{}}
}

func (s *fakeSession) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.stmts = append(s.stmts, sql)
	for prefix, err := range s.errs {
		if strings.HasPrefix(sql, prefix) {
			return pgconn.CommandTag{}, err
		}
	}
	if tag, ok := s.tags[sql]; ok {
		return pgconn.NewCommandTag(tag), nil
	}
	return pgconn.NewCommandTag(strings.Fields(sql)[0]), nil
}

func (s *fakeSession) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	s.stmts = append(s.stmts, sql)
	return &fakeRows{vals: s.gids}, nil
}

func (s *fakeSession) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s.stmts = append(s.stmts, sql)
	return boolRow(s.readOnly)
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

type boolRow bool

func (r boolRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = bool(r)
	return nil
}

type fakeRows struct {
	vals []string
	i    int
}

func (r *fakeRows) Close()                        {}
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	return []pgconn.FieldDescription{{Name: "gid"}}
}
func (r *fakeRows) Conn() *pgx.Conn { return nil }

func (r *fakeRows) Next() bool {
	if r.i < len(r.vals) {
		r.i++
		return true
	}
	return false
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.vals[r.i-1]
	return nil
}

func (r *fakeRows) Values() ([]any, error) { return []any{r.vals[r.i-1]}, nil }
func (r *fakeRows) RawValues() [][]byte   { return [][]byte{[]byte(r.vals[r.i-1])} }
