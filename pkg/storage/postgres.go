package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uhyunpark/perpengine/pkg/app/core"
)

// PostgresStore keeps every document as JSONB in a single table. The indexed
// columns cover the (market, status) and (owner, status) queries.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const (
	kindOrder    = "order"
	kindTrade    = "trade"
	kindPosition = "position"
	kindBalance  = "balance"
	kindFunding  = "funding"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	kind       TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	market     TEXT        NOT NULL DEFAULT '',
	owner      TEXT        NOT NULL DEFAULT '',
	status     TEXT        NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	body       JSONB       NOT NULL,
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS documents_market_status ON documents (kind, market, status, created_at);
CREATE INDEX IF NOT EXISTS documents_owner_status ON documents (kind, owner, status, created_at);
`

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the documents table and its indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type document struct {
	kind, id, market, owner, status string
	createdAt                       time.Time
	body                            any
}

func (s *PostgresStore) upsert(ctx context.Context, d document) error {
	body, err := json.Marshal(d.body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", d.kind, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (kind, id, market, owner, status, created_at, body)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (kind, id) DO UPDATE
		 SET market = EXCLUDED.market, owner = EXCLUDED.owner, status = EXCLUDED.status, body = EXCLUDED.body`,
		d.kind, d.id, d.market, d.owner, d.status, d.createdAt, body,
	)
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", d.kind, d.id, err)
	}
	return nil
}

func (s *PostgresStore) get(ctx context.Context, kind, id string, v any) error {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM documents WHERE kind = $1 AND id = $2`, kind, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	return json.Unmarshal(body, v)
}

// query returns the bodies of documents of kind matching the optional
// market, owner and status set.
func (s *PostgresStore) query(ctx context.Context, kind, market, owner string, statuses []string, newestFirst bool, limit int) ([][]byte, error) {
	var (
		where = []string{"kind = $1"}
		args  = []any{kind}
	)
	if market != "" {
		args = append(args, market)
		where = append(where, fmt.Sprintf("market = $%d", len(args)))
	}
	if owner != "" {
		args = append(args, owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if len(statuses) > 0 {
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	q := "SELECT body FROM documents WHERE " + strings.Join(where, " AND ")
	if newestFirst {
		q += " ORDER BY created_at DESC, id DESC"
	} else {
		q += " ORDER BY created_at ASC, id ASC"
	}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	return out, rows.Err()
}

func decodeAll[T any](bodies [][]byte) ([]*T, error) {
	out := make([]*T, 0, len(bodies))
	for _, b := range bodies {
		v := new(T)
		if err := json.Unmarshal(b, v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *PostgresStore) SaveOrder(ctx context.Context, o *core.Order) error {
	return s.upsert(ctx, document{kindOrder, o.ID, o.Market, addrKey(o.User), string(o.Status), o.CreatedAt, o})
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*core.Order, error) {
	var o core.Order
	if err := s.get(ctx, kindOrder, id, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]*core.Order, error) {
	var owner string
	if f.User != (common.Address{}) {
		owner = addrKey(f.User)
	}
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	bodies, err := s.query(ctx, kindOrder, f.Market, owner, statuses, false, 0)
	if err != nil {
		return nil, err
	}
	return decodeAll[core.Order](bodies)
}

func (s *PostgresStore) SaveTrade(ctx context.Context, t *core.Trade) error {
	return s.upsert(ctx, document{kindTrade, t.ID, t.Market, "", "", t.CreatedAt, t})
}

func (s *PostgresStore) ListTrades(ctx context.Context, market string, limit int) ([]*core.Trade, error) {
	bodies, err := s.query(ctx, kindTrade, market, "", nil, true, limit)
	if err != nil {
		return nil, err
	}
	return decodeAll[core.Trade](bodies)
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *core.Position) error {
	return s.upsert(ctx, document{kindPosition, p.ID, p.Market, addrKey(p.User), string(p.Status), p.OpenedAt, p})
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*core.Position, error) {
	var p core.Position
	if err := s.get(ctx, kindPosition, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, f PositionFilter) ([]*core.Position, error) {
	var owner string
	if f.User != (common.Address{}) {
		owner = addrKey(f.User)
	}
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	bodies, err := s.query(ctx, kindPosition, f.Market, owner, statuses, false, 0)
	if err != nil {
		return nil, err
	}
	return decodeAll[core.Position](bodies)
}

func (s *PostgresStore) SaveBalance(ctx context.Context, b core.Balance) error {
	id := addrKey(b.User) + ":" + b.Asset
	return s.upsert(ctx, document{kindBalance, id, "", addrKey(b.User), "", time.Unix(0, 0).UTC(), b})
}

func (s *PostgresStore) ListBalances(ctx context.Context, user common.Address) ([]core.Balance, error) {
	return s.balances(ctx, addrKey(user))
}

func (s *PostgresStore) AllBalances(ctx context.Context) ([]core.Balance, error) {
	return s.balances(ctx, "")
}

func (s *PostgresStore) balances(ctx context.Context, owner string) ([]core.Balance, error) {
	bodies, err := s.query(ctx, kindBalance, "", owner, nil, false, 0)
	if err != nil {
		return nil, err
	}
	ptrs, err := decodeAll[core.Balance](bodies)
	if err != nil {
		return nil, err
	}
	out := make([]core.Balance, len(ptrs))
	for i, p := range ptrs {
		out[i] = *p
	}
	sortBalances(out)
	return out, nil
}

func (s *PostgresStore) SaveFunding(ctx context.Context, r *core.FundingRecord) error {
	return s.upsert(ctx, document{kindFunding, r.ID, r.Market, "", "", r.Timestamp, r})
}

func (s *PostgresStore) ListFunding(ctx context.Context, market string, limit int) ([]*core.FundingRecord, error) {
	bodies, err := s.query(ctx, kindFunding, market, "", nil, true, limit)
	if err != nil {
		return nil, err
	}
	return decodeAll[core.FundingRecord](bodies)
}

var _ Store = (*PostgresStore)(nil)
