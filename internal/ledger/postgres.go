package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/oddsmarket/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// The ledger keys on the canonical id so duplicate streams converge across
// batches: a conflict keeps the higher-ranked source (trade > claim > stake),
// with the transaction hash deciding equal ranks. Mirrors Supersedes.
const upsertEventSQL = `
	INSERT INTO trade_events (id, source_id, subject, kind, outcome_index,
	                          outcome_code, timestamp, quantity, gross_in,
	                          gross_out, fee, net_stake, net_out, cost_closed,
	                          realized_pnl, market_id, league, tx_hash, source)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
	        $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC,
	        $15::NUMERIC, $16, $17, $18, $19)
	ON CONFLICT (id) DO UPDATE SET
		source_id = EXCLUDED.source_id,
		subject = EXCLUDED.subject,
		kind = EXCLUDED.kind,
		outcome_index = EXCLUDED.outcome_index,
		outcome_code = EXCLUDED.outcome_code,
		timestamp = EXCLUDED.timestamp,
		quantity = EXCLUDED.quantity,
		gross_in = EXCLUDED.gross_in,
		gross_out = EXCLUDED.gross_out,
		fee = EXCLUDED.fee,
		net_stake = EXCLUDED.net_stake,
		net_out = EXCLUDED.net_out,
		cost_closed = EXCLUDED.cost_closed,
		realized_pnl = EXCLUDED.realized_pnl,
		market_id = EXCLUDED.market_id,
		league = EXCLUDED.league,
		tx_hash = EXCLUDED.tx_hash,
		source = EXCLUDED.source
	WHERE (CASE trade_events.source WHEN 'trade' THEN 3 WHEN 'claim' THEN 2 WHEN 'stake' THEN 1 ELSE 0 END)
	      < (CASE EXCLUDED.source WHEN 'trade' THEN 3 WHEN 'claim' THEN 2 WHEN 'stake' THEN 1 ELSE 0 END)
	   OR ((CASE trade_events.source WHEN 'trade' THEN 3 WHEN 'claim' THEN 2 WHEN 'stake' THEN 1 ELSE 0 END)
	      = (CASE EXCLUDED.source WHEN 'trade' THEN 3 WHEN 'claim' THEN 2 WHEN 'stake' THEN 1 ELSE 0 END)
	      AND (EXCLUDED.tx_hash <> '' OR trade_events.tx_hash = ''))`

// Market conflicts keep the first non-null value observed, so a later sparse
// row never clobbers richer data. is_final and winning_outcome_index only
// ever move from unset to set.
const upsertMarketSQL = `
	INSERT INTO markets (id, league, lock_time, is_final, outcome_count,
	                     winning_outcome_index, home_name, away_name,
	                     home_code, away_code, question)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		league = COALESCE(NULLIF(markets.league, ''), EXCLUDED.league),
		lock_time = CASE WHEN markets.lock_time = 0 THEN EXCLUDED.lock_time ELSE markets.lock_time END,
		is_final = markets.is_final OR EXCLUDED.is_final,
		outcome_count = CASE WHEN markets.outcome_count = 0 THEN EXCLUDED.outcome_count ELSE markets.outcome_count END,
		winning_outcome_index = COALESCE(markets.winning_outcome_index, EXCLUDED.winning_outcome_index),
		home_name = COALESCE(NULLIF(markets.home_name, ''), EXCLUDED.home_name),
		away_name = COALESCE(NULLIF(markets.away_name, ''), EXCLUDED.away_name),
		home_code = COALESCE(NULLIF(markets.home_code, ''), EXCLUDED.home_code),
		away_code = COALESCE(NULLIF(markets.away_code, ''), EXCLUDED.away_code),
		question = COALESCE(NULLIF(markets.question, ''), EXCLUDED.question)`

func (s *PostgresStore) UpsertBatch(ctx context.Context, events []model.TradeEvent, markets []*model.Market) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin upsert batch: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, m := range markets {
		batch.Queue(upsertMarketSQL,
			m.ID, m.League, m.LockTime, m.IsFinal, m.OutcomeCount,
			m.WinningOutcomeIndex, m.HomeName, m.AwayName,
			m.HomeCode, m.AwayCode, m.Question,
		)
	}
	for _, e := range events {
		batch.Queue(upsertEventSQL,
			CanonicalID(e.ID), e.ID, e.Subject, string(e.Kind),
			e.OutcomeIndex, e.OutcomeCode, e.Timestamp,
			e.Quantity.String(), e.GrossIn.String(), e.GrossOut.String(),
			e.Fee.String(), e.NetStake.String(), e.NetOut.String(),
			e.CostClosed.String(), e.RealizedPnl.String(),
			e.MarketID, e.League, e.TxHash, e.Source,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("upsert batch row %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close upsert batch: %w", err)
	}

	return tx.Commit(ctx)
}

// Rows read back carry the winner's original source-namespaced id.
const selectEventCols = `
	SELECT source_id, subject, kind, outcome_index, outcome_code, timestamp,
	       quantity::TEXT, gross_in::TEXT, gross_out::TEXT, fee::TEXT,
	       net_stake::TEXT, net_out::TEXT, cost_closed::TEXT,
	       realized_pnl::TEXT, market_id, league, tx_hash, source
	FROM trade_events`

func (s *PostgresStore) EventsBySubject(ctx context.Context, subject string) ([]model.TradeEvent, error) {
	rows, err := s.pool.Query(ctx,
		selectEventCols+` WHERE subject = $1 ORDER BY timestamp, id`,
		model.NormalizeSubject(subject))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) EventsForSubjects(ctx context.Context, subjects []string, w Window) ([]model.TradeEvent, error) {
	normalized := make([]string, len(subjects))
	for i, sub := range subjects {
		normalized[i] = model.NormalizeSubject(sub)
	}
	q := selectEventCols + ` WHERE subject = ANY($1) AND timestamp >= $2`
	args := []any{normalized, w.Start}
	if w.End > 0 {
		q += ` AND timestamp < $3`
		args = append(args, w.End)
	}
	q += ` ORDER BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) MarketsByIDs(ctx context.Context, ids []string) (map[string]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, league, lock_time, is_final, outcome_count,
		        winning_outcome_index, home_name, away_name, home_code,
		        away_code, question
		 FROM markets WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	markets := make(map[string]model.Market, len(ids))
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.League, &m.LockTime, &m.IsFinal,
			&m.OutcomeCount, &m.WinningOutcomeIndex, &m.HomeName,
			&m.AwayName, &m.HomeCode, &m.AwayCode, &m.Question); err != nil {
			return nil, err
		}
		markets[m.ID] = m
	}
	return markets, rows.Err()
}

func (s *PostgresStore) SubjectVolumes(ctx context.Context, w Window) ([]SubjectVolume, error) {
	q := `SELECT subject,
	             COALESCE(SUM(gross_in), 0)::TEXT AS buy_gross,
	             COUNT(*) AS trades
	      FROM trade_events
	      WHERE kind = 'BUY' AND timestamp >= $1`
	args := []any{w.Start}
	if w.End > 0 {
		q += ` AND timestamp < $2`
		args = append(args, w.End)
	}
	q += ` GROUP BY subject ORDER BY SUM(gross_in) DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var volumes []SubjectVolume
	for rows.Next() {
		var v SubjectVolume
		var grossS string
		if err := rows.Scan(&v.Subject, &grossS, &v.Trades); err != nil {
			return nil, err
		}
		v.BuyGross, _ = decimal.NewFromString(grossS)
		volumes = append(volumes, v)
	}
	return volumes, rows.Err()
}

func (s *PostgresStore) MembershipIntervals(ctx context.Context, groupID string) ([]model.MembershipInterval, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_id, subject, joined_at, left_at
		 FROM group_memberships WHERE group_id = $1
		 ORDER BY subject, joined_at`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intervals []model.MembershipInterval
	for rows.Next() {
		var mi model.MembershipInterval
		if err := rows.Scan(&mi.GroupID, &mi.Subject, &mi.JoinedAt, &mi.LeftAt); err != nil {
			return nil, err
		}
		intervals = append(intervals, mi)
	}
	return intervals, rows.Err()
}

// scanEvents reads pgx rows into TradeEvent slices.
func scanEvents(rows pgx.Rows) ([]model.TradeEvent, error) {
	var events []model.TradeEvent
	for rows.Next() {
		var e model.TradeEvent
		var kind string
		var qtyS, grossInS, grossOutS, feeS, netStakeS, netOutS, costClosedS, pnlS string

		if err := rows.Scan(&e.ID, &e.Subject, &kind, &e.OutcomeIndex,
			&e.OutcomeCode, &e.Timestamp,
			&qtyS, &grossInS, &grossOutS, &feeS, &netStakeS, &netOutS,
			&costClosedS, &pnlS,
			&e.MarketID, &e.League, &e.TxHash, &e.Source); err != nil {
			return nil, err
		}

		e.Kind = model.EventKind(kind)
		e.Quantity, _ = decimal.NewFromString(qtyS)
		e.GrossIn, _ = decimal.NewFromString(grossInS)
		e.GrossOut, _ = decimal.NewFromString(grossOutS)
		e.Fee, _ = decimal.NewFromString(feeS)
		e.NetStake, _ = decimal.NewFromString(netStakeS)
		e.NetOut, _ = decimal.NewFromString(netOutS)
		e.CostClosed, _ = decimal.NewFromString(costClosedS)
		e.RealizedPnl, _ = decimal.NewFromString(pnlS)

		events = append(events, e)
	}
	return events, rows.Err()
}
