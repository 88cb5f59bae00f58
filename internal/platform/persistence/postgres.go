package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/fhirserver/internal/platform/db"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresStore keeps resources in the resource table of the tenant schema
// selected by the connection in ctx (see db.TenantMiddleware).
type PostgresStore struct {
	now func() time.Time
}

var _ Persistence = (*PostgresStore)(nil)

func NewPostgresStore() *PostgresStore {
	return &PostgresStore{now: time.Now}
}

func (s *PostgresStore) conn(ctx context.Context) (querier, error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx, nil
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c, nil
	}
	return nil, errors.New("no database connection in context")
}

func (s *PostgresStore) GenerateID() string {
	return uuid.NewString()
}

const selectColumns = `resource_type, id, version_id, last_updated, deleted, resource`

func scanStored(row pgx.Row) (*Stored, error) {
	var st Stored
	var body []byte
	if err := row.Scan(&st.ResourceType, &st.ID, &st.Version, &st.LastUpdated, &st.Deleted, &body); err != nil {
		return nil, err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &st.Resource); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", st.ResourceType, st.ID, err)
		}
	}
	return &st, nil
}

func (s *PostgresStore) current(ctx context.Context, q querier, resourceType, id string) (*Stored, error) {
	st, err := scanStored(q.QueryRow(ctx, `
		SELECT `+selectColumns+` FROM resource
		WHERE resource_type = $1 AND id = $2
		ORDER BY version_id DESC LIMIT 1`, resourceType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	return st, nil
}

func (s *PostgresStore) insert(ctx context.Context, q querier, resourceType, id string, version int, resource map[string]interface{}) (*Stored, error) {
	now := s.now().UTC()
	body := fhir.DeepCopy(resource)
	fhir.SetMeta(body, id, version, now)
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", resourceType, id, err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO resource (resource_type, id, version_id, last_updated, deleted, resource)
		VALUES ($1, $2, $3, $4, FALSE, $5)`,
		resourceType, id, version, now, data)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("store %s/%s version %d: %w", resourceType, id, version, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("store %s/%s: %w", resourceType, id, err)
	}
	return &Stored{ResourceType: resourceType, ID: id, Version: version, LastUpdated: now, Resource: body}, nil
}

func (s *PostgresStore) Create(ctx context.Context, resourceType, id string, resource map[string]interface{}) (*Stored, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.current(ctx, q, resourceType, id); err == nil {
		return nil, fmt.Errorf("create %s/%s: %w", resourceType, id, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.insert(ctx, q, resourceType, id, 1, resource)
}

func (s *PostgresStore) Read(ctx context.Context, resourceType, id string) (*Stored, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.current(ctx, q, resourceType, id)
	if err != nil {
		return nil, err
	}
	if st.Deleted {
		return nil, ErrGone
	}
	return st, nil
}

func (s *PostgresStore) VRead(ctx context.Context, resourceType, id string, version int) (*Stored, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.current(ctx, q, resourceType, id); err != nil {
		return nil, err
	}
	st, err := scanStored(q.QueryRow(ctx, `
		SELECT `+selectColumns+` FROM resource
		WHERE resource_type = $1 AND id = $2 AND version_id = $3`, resourceType, id, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vread %s/%s/_history/%d: %w", resourceType, id, version, err)
	}
	if st.Deleted {
		return nil, ErrGone
	}
	return st, nil
}

func (s *PostgresStore) Update(ctx context.Context, resourceType, id string, resource map[string]interface{}) (*Stored, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	next := 1
	cur, err := s.current(ctx, q, resourceType, id)
	switch {
	case err == nil:
		next = cur.Version + 1
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return s.insert(ctx, q, resourceType, id, next, resource)
}

func (s *PostgresStore) Delete(ctx context.Context, resourceType, id string) (int, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	cur, err := s.current(ctx, q, resourceType, id)
	if err != nil {
		return 0, err
	}
	if cur.Deleted {
		return cur.Version, nil
	}
	version := cur.Version + 1
	_, err = q.Exec(ctx, `
		INSERT INTO resource (resource_type, id, version_id, last_updated, deleted, resource)
		VALUES ($1, $2, $3, $4, TRUE, NULL)`,
		resourceType, id, version, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
	}
	return version, nil
}

func (s *PostgresStore) History(ctx context.Context, resourceType, id string) ([]*Stored, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT `+selectColumns+` FROM resource
		WHERE resource_type = $1 AND id = $2
		ORDER BY version_id DESC`, resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	var out []*Stored
	for rows.Next() {
		st, err := scanStored(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Search narrows by type and _id in SQL and applies the remaining
// parameters with Matches, so both stores agree on search semantics.
func (s *PostgresStore) Search(ctx context.Context, resourceType string, params url.Values) ([]*Stored, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	sql := `
		SELECT DISTINCT ON (id) ` + selectColumns + ` FROM resource
		WHERE resource_type = $1`
	args := []interface{}{resourceType}
	if ids := params["_id"]; len(ids) > 0 {
		var all []string
		for _, v := range ids {
			all = append(all, strings.Split(v, ",")...)
		}
		sql += ` AND id = ANY($2)`
		args = append(args, all)
	}
	sql += ` ORDER BY id, version_id DESC`

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", resourceType, err)
	}
	defer rows.Close()

	var out []*Stored
	for rows.Next() {
		st, err := scanStored(rows)
		if err != nil {
			return nil, err
		}
		if st.Deleted || !Matches(st.ID, st.Resource, params) {
			continue
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Begin starts a pgx transaction on the tenant connection. A context that
// already carries one joins it.
func (s *PostgresStore) Begin(ctx context.Context) (context.Context, Tx, error) {
	if db.TxFromContext(ctx) != nil {
		return ctx, nestedTx{}, nil
	}
	txCtx, tx, err := db.WithTx(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return txCtx, tx, nil
}
