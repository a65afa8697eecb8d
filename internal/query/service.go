package query

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpVault/internal/asset"
	"PerpVault/internal/fault"
	"PerpVault/internal/observability"
	"PerpVault/internal/trade"
)

// Service answers read-only queries. Live state comes from the most
// recently published StateView; historical queries read the command log
// in Postgres. Every response carries as_of_sequence for freshness.
type Service struct {
	view    atomic.Pointer[StateView]
	db      *sql.DB
	metrics *observability.Metrics
}

func NewService(db *sql.DB, metrics *observability.Metrics) *Service {
	s := &Service{db: db, metrics: metrics}
	s.view.Store(&StateView{})
	return s
}

// PublishView swaps in a fresh state view. Called by the command loop.
func (s *Service) PublishView(v *StateView) {
	s.view.Store(v)
}

func (s *Service) observe(endpoint string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// d6 renders a 6-dec fixed-point amount as a decimal string.
func d6(v int64) string {
	return decimal.New(v, -6).StringFixed(6)
}

// d6opt renders like d6 but returns "" for zero, for omitempty fields.
func d6opt(v int64) string {
	if v == 0 {
		return ""
	}
	return d6(v)
}

// GetAccount returns a trader's collateral balance.
func (s *Service) GetAccount(owner uuid.UUID) *AccountResponse {
	defer s.observe("account", time.Now())
	v := s.view.Load()

	acct := v.Accounts[owner] // zero value for unknown owners
	return &AccountResponse{
		Owner:        owner,
		Free:         d6(acct.Free),
		Locked:       d6(acct.Locked),
		Total:        d6(acct.Free + acct.Locked),
		AsOfSequence: v.Sequence,
	}
}

// GetCapital returns the pooled LP capital and fee balances.
func (s *Service) GetCapital() *CapitalResponse {
	defer s.observe("capital", time.Now())
	v := s.view.Load()

	return &CapitalResponse{
		LpFree:          d6(v.Capital.LpFree),
		LpLocked:        d6(v.Capital.LpLocked),
		AdminFee:        d6(v.Capital.AdminFee),
		RequiredReserve: d6(v.RequiredReserve),
		AsOfSequence:    v.Sequence,
	}
}

// GetTrades returns all trades for a trader, most recent first.
// openOnly filters to orders and positions still live.
func (s *Service) GetTrades(trader uuid.UUID, openOnly bool) []TradeResponse {
	defer s.observe("trades", time.Now())
	v := s.view.Load()

	var out []TradeResponse
	for i := range v.Trades {
		t := &v.Trades[i]
		if t.Trader != trader {
			continue
		}
		if openOnly && t.State != trade.StateOrder && t.State != trade.StatePosition {
			continue
		}
		out = append(out, renderTrade(v, t))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// GetTrade returns a single trade by ID.
func (s *Service) GetTrade(id uint64) (*TradeResponse, error) {
	defer s.observe("trade", time.Now())
	v := s.view.Load()

	for i := range v.Trades {
		if uint64(v.Trades[i].ID) == id {
			r := renderTrade(v, &v.Trades[i])
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: trade %d not found", fault.ErrValidation, id)
}

func renderTrade(v *StateView, t *trade.Trade) TradeResponse {
	r := TradeResponse{
		ID:           uint64(t.ID),
		Trader:       t.Trader,
		Asset:        uint32(t.Asset),
		IsLong:       t.IsLong,
		Leverage:     t.Leverage,
		Lots:         t.Lots,
		State:        t.State.String(),
		TargetPrice:  d6opt(t.TargetPrice),
		OpenPrice:    d6opt(t.OpenPrice),
		StopLoss:     d6opt(t.StopLoss),
		TakeProfit:   d6opt(t.TakeProfit),
		Margin:       d6(t.Margin),
		Commission:   d6(t.Commission),
		OpenedAt:     t.OpenedAt,
		ClosedAt:     t.ClosedAt,
		AsOfSequence: v.Sequence,
	}
	if a, ok := v.Assets[t.Asset]; ok {
		r.Symbol = a.Symbol
	}
	if t.State == trade.StateClosed {
		r.ClosePrice = d6opt(t.ClosePrice)
		r.RealizedPnl = d6(t.RealizedPnl)
		r.CloseReason = t.CloseReason.String()
	}
	return r
}

// GetExposures returns the per-asset open-interest aggregates for all
// listed assets, ordered by asset ID.
func (s *Service) GetExposures() []ExposureResponse {
	defer s.observe("exposures", time.Now())
	v := s.view.Load()

	ids := make([]uint32, 0, len(v.Assets))
	for id := range v.Assets {
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]ExposureResponse, 0, len(ids))
	for _, raw := range ids {
		if r, err := s.exposureResponse(v, raw); err == nil {
			out = append(out, *r)
		}
	}
	return out
}

// GetExposure returns the open-interest aggregate for one asset.
func (s *Service) GetExposure(assetID uint32) (*ExposureResponse, error) {
	defer s.observe("exposure", time.Now())
	return s.exposureResponse(s.view.Load(), assetID)
}

func (s *Service) exposureResponse(v *StateView, assetID uint32) (*ExposureResponse, error) {
	a, ok := v.Assets[asset.ID(assetID)]
	if !ok {
		return nil, fmt.Errorf("%w: asset %d not listed", fault.ErrValidation, assetID)
	}

	exp := v.Exposures[a.ID]
	fs := v.Funding[a.ID]

	r := &ExposureResponse{
		Asset:        assetID,
		Symbol:       a.Symbol,
		LongLots:     exp.LongLots,
		ShortLots:    exp.ShortLots,
		MarginLong:   d6(exp.MarginLong),
		MarginShort:  d6(exp.MarginShort),
		LpLockLong:   d6(exp.LpLockLong),
		LpLockShort:  d6(exp.LpLockShort),
		FundingLong:  d6(fs.LongIndex),
		FundingShort: d6(fs.ShortIndex),
		AsOfSequence: v.Sequence,
	}
	if exp.LongLots > 0 {
		r.LongVwap = d6(exp.LongValue / exp.LongLots)
	}
	if exp.ShortLots > 0 {
		r.ShortVwap = d6(exp.ShortValue / exp.ShortLots)
	}
	return r, nil
}

// GetEpoch returns the live epoch summary.
func (s *Service) GetEpoch() *EpochResponse {
	defer s.observe("epoch", time.Now())
	v := s.view.Load()

	return &EpochResponse{
		CurrentEpoch: v.Epochs.CurrentEpoch,
		EpochStart:   v.Epochs.EpochStart,
		TotalShares:  v.Epochs.TotalShares,
		AsOfSequence: v.Sequence,
	}
}

// GetEpochRecord returns one closed epoch's settlement record.
func (s *Service) GetEpochRecord(id uint64) (*EpochRecordResponse, error) {
	defer s.observe("epoch_record", time.Now())
	v := s.view.Load()

	rec, ok := v.Epochs.Epochs[id]
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d not closed", fault.ErrValidation, id)
	}

	return &EpochRecordResponse{
		ID:                 rec.ID,
		StartTs:            rec.StartTs,
		EndTs:              rec.EndTs,
		SharePrice:         d6(rec.SharePrice),
		CapitalAtEnd:       d6(rec.CapitalAtEnd),
		FinalizedPnl:       d6(rec.FinalizedPnl),
		DepositsIntegrated: d6(rec.DepositsIntegrated),
		SharesMinted:       rec.SharesMinted,
		WithdrawalShares:   rec.WithdrawalShares,
		RequiredUsd:        d6(rec.RequiredUsd),
		EscrowFunded:       d6(rec.EscrowFunded),
		EscrowClaimed:      d6(rec.EscrowClaimed),
		AsOfSequence:       v.Sequence,
	}, nil
}

// GetWithdrawals returns a provider's withdrawal requests, oldest first.
func (s *Service) GetWithdrawals(owner uuid.UUID) []WithdrawalResponse {
	defer s.observe("withdrawals", time.Now())
	v := s.view.Load()

	var out []WithdrawalResponse
	for _, w := range v.Epochs.Withdrawals {
		if w.Owner != owner {
			continue
		}
		out = append(out, WithdrawalResponse{
			ID:           w.ID,
			Owner:        w.Owner,
			Epoch:        w.Epoch,
			Shares:       w.Shares,
			Processed:    w.Processed,
			RequiredUsd:  d6opt(w.RequiredUsd),
			Claimed:      w.Claimed,
			AsOfSequence: v.Sequence,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetShares returns a provider's share balance.
func (s *Service) GetShares(owner uuid.UUID) (int64, int64) {
	defer s.observe("shares", time.Now())
	v := s.view.Load()
	return v.Epochs.Shares[owner], v.Sequence
}

// GetPnlRun returns the current unrealized-PnL run, or nil when no run
// has started for the live epoch.
func (s *Service) GetPnlRun() *PnlRunResponse {
	defer s.observe("pnl_run", time.Now())
	v := s.view.Load()

	if !v.RunSet {
		return nil
	}
	return &PnlRunResponse{
		ID:              v.Run.ID,
		Epoch:           v.Run.Epoch,
		StartedAt:       v.Run.StartedAt,
		AssetsProcessed: v.Run.AssetsProcessed,
		TotalAssets:     v.Run.TotalAssetsAtStart,
		TotalPnl:        d6(v.Run.TotalPnl),
		Finalized:       v.Run.Finalized,
		AsOfSequence:    v.Sequence,
	}
}

// GetCommandHistory returns applied commands from the journal with
// cursor-based pagination (sequence descending).
func (s *Service) GetCommandHistory(
	ctx context.Context,
	commandType *string,
	limit int,
	beforeSequence *int64,
) ([]CommandHistoryEntry, error) {
	defer s.observe("command_history", time.Now())

	query := `
		SELECT sequence, command_type, idempotency_key, payload, state_hash, timestamp
		FROM command_log.commands
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if commandType != nil {
		query += fmt.Sprintf(" AND command_type = $%d", argIdx)
		args = append(args, *commandType)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CommandHistoryEntry
	for rows.Next() {
		var e CommandHistoryEntry
		var ts time.Time
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey,
			&e.Payload, &e.StateHash, &ts,
		); err != nil {
			return nil, err
		}
		e.Timestamp = ts.Unix()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity and sequence density
// over the command log.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer s.observe("verify_integrity", time.Now())
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c1.sequence, c1.prev_hash, c2.state_hash
		FROM command_log.commands c1
		JOIN command_log.commands c2 ON c2.sequence = c1.sequence - 1
		ORDER BY c1.sequence
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expected []byte
		if err := rows.Scan(&seq, &prevHash, &expected); err != nil {
			return nil, err
		}
		if !bytes.Equal(prevHash, expected) {
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := s.db.QueryContext(ctx, `
		SELECT c1.sequence + 1
		FROM command_log.commands c1
		LEFT JOIN command_log.commands c2 ON c2.sequence = c1.sequence + 1
		WHERE c2.sequence IS NULL
		  AND c1.sequence < (SELECT MAX(sequence) FROM command_log.commands)
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()

	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}
