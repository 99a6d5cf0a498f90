package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fracbond/matching-core/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Unavailable(err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return Unavailable(err)
	}
	return nil
}

const orderColumns = `id, user_id, bond_id, side, type, limit_price::TEXT,
	quantity, filled, status, reserved::TEXT, seq, created_at, updated_at`

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, classify(err)
	}
	return o, nil
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, bondID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('OPEN', 'PARTIAL') AND ($1 = '' OR bond_id = $1)
		 ORDER BY created_at, seq`, bondID)
	if err != nil {
		return nil, Unavailable(err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, Unavailable(err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, cash::TEXT, reserved::TEXT, updated_at FROM accounts WHERE user_id = $1`, userID))
	if err != nil {
		return nil, classify(err)
	}
	return a, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, bond_id, quantity, reserved, avg_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY bond_id`, userID)
	if err != nil {
		return nil, Unavailable(err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, Unavailable(err)
		}
		positions = append(positions, *p)
	}
	return positions, Unavailable(rows.Err())
}

const tradeColumns = `id, bond_id, buy_order_id, sell_order_id, buy_user_id, sell_user_id,
	price::TEXT, quantity, executed_at, COALESCE(receipt::TEXT, '')`

func (s *PostgresStore) QueryTrades(ctx context.Context, q TradeQuery) ([]model.Trade, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	add("id > $%d", q.AfterID)
	if q.BondID != "" {
		add("bond_id = $%d", q.BondID)
	}
	if q.UserID != "" {
		args = append(args, q.UserID)
		where = append(where, fmt.Sprintf("(buy_user_id = $%d OR sell_user_id = $%d)", len(args), len(args)))
	}
	if !q.From.IsZero() {
		add("executed_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("executed_at < $%d", q.To)
	}

	sql := `SELECT ` + tradeColumns + ` FROM trades WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, Unavailable(err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, Unavailable(err)
		}
		trades = append(trades, *t)
	}
	return trades, Unavailable(rows.Err())
}

func (s *PostgresStore) LastTrade(ctx context.Context, bondID string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE bond_id = $1 ORDER BY id DESC LIMIT 1`, bondID))
	if err != nil {
		return nil, classify(err)
	}
	return t, nil
}

func (s *PostgresStore) MaxTradeID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM trades`).Scan(&id); err != nil {
		return 0, Unavailable(err)
	}
	return id, nil
}

// pgTx implements Tx on a pgx transaction. Rows read for update are locked
// until commit.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx,
		`SELECT user_id, cash::TEXT, reserved::TEXT, updated_at
		 FROM accounts WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, classify(err)
	}
	return a, nil
}

func (t *pgTx) PutAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (user_id, cash, reserved, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET cash = EXCLUDED.cash, reserved = EXCLUDED.reserved, updated_at = EXCLUDED.updated_at`,
		a.UserID, a.Cash.String(), a.Reserved.String(), a.UpdatedAt)
	return Unavailable(err)
}

func (t *pgTx) GetPosition(ctx context.Context, userID, bondID string) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT user_id, bond_id, quantity, reserved, avg_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND bond_id = $2 FOR UPDATE`, userID, bondID))
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

func (t *pgTx) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, bond_id, quantity, reserved, avg_price, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		 ON CONFLICT (user_id, bond_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity, reserved = EXCLUDED.reserved,
		     avg_price = EXCLUDED.avg_price, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.BondID, p.Quantity, p.Reserved, p.AvgPrice.String(), p.UpdatedAt)
	return Unavailable(err)
}

func (t *pgTx) DeletePosition(ctx context.Context, userID, bondID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE user_id = $1 AND bond_id = $2`, userID, bondID)
	return Unavailable(err)
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, classify(err)
	}
	return o, nil
}

func (t *pgTx) SaveOrder(ctx context.Context, o *model.Order) error {
	var limitPrice *string
	if o.LimitPrice != nil {
		s := o.LimitPrice.String()
		limitPrice = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, bond_id, side, type, limit_price, quantity, filled,
		                     status, reserved, seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10::NUMERIC, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE
		 SET filled = EXCLUDED.filled, status = EXCLUDED.status,
		     reserved = EXCLUDED.reserved, updated_at = EXCLUDED.updated_at`,
		o.ID, o.UserID, o.BondID, string(o.Side), string(o.Type), limitPrice,
		o.Quantity, o.Filled, string(o.Status), o.Reserved.String(), o.Seq,
		o.CreatedAt, o.UpdatedAt)
	return Unavailable(err)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	var receipt *string
	if len(tr.Receipt) > 0 {
		s := string(tr.Receipt)
		receipt = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, bond_id, buy_order_id, sell_order_id, buy_user_id, sell_user_id,
		                     price, quantity, executed_at, receipt)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10::JSONB)`,
		tr.ID, tr.BondID, tr.BuyOrderID, tr.SellOrderID, tr.BuyUserID, tr.SellUserID,
		tr.Price.String(), tr.Quantity, tr.ExecutedAt, receipt)
	return Unavailable(err)
}

// --- Scanning helpers ---

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, Unavailable(err)
		}
		orders = append(orders, *o)
	}
	return orders, Unavailable(rows.Err())
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o           model.Order
		side, typ   string
		status      string
		limitPrice  *string
		reservedStr string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.BondID, &side, &typ, &limitPrice,
		&o.Quantity, &o.Filled, &status, &reservedStr, &o.Seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.Type = model.OrderType(typ)
	o.Status = model.OrderStatus(status)
	if limitPrice != nil {
		p, err := decimal.NewFromString(*limitPrice)
		if err != nil {
			return nil, err
		}
		o.LimitPrice = &p
	}
	o.Reserved, _ = decimal.NewFromString(reservedStr)
	return &o, nil
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a                 model.Account
		cash, reservedStr string
	)
	if err := row.Scan(&a.UserID, &cash, &reservedStr, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Cash, _ = decimal.NewFromString(cash)
	a.Reserved, _ = decimal.NewFromString(reservedStr)
	return &a, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var (
		p   model.Position
		avg string
	)
	if err := row.Scan(&p.UserID, &p.BondID, &p.Quantity, &p.Reserved, &avg, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AvgPrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var (
		t       model.Trade
		price   string
		receipt string
	)
	if err := row.Scan(&t.ID, &t.BondID, &t.BuyOrderID, &t.SellOrderID, &t.BuyUserID, &t.SellUserID,
		&price, &t.Quantity, &t.ExecutedAt, &receipt); err != nil {
		return nil, err
	}
	t.Price, _ = decimal.NewFromString(price)
	if receipt != "" {
		t.Receipt = []byte(receipt)
	}
	return &t, nil
}

// classify maps pgx.ErrNoRows to ErrNotFound and everything else to
// ErrUnavailable.
func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return Unavailable(err)
}
