package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type accountStateRepository struct {
	db *gorm.DB
}

func NewAccountStateRepo(db *gorm.DB) *accountStateRepository {
	return &accountStateRepository{db: db}
}

func (r *accountStateRepository) Get(ctx context.Context, userID string) (*domain.AccountState, error) {
	var row model.AccountStateModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.AccountState{
		UserID:     row.UserID,
		PeakEquity: row.PeakEquity,
		GuardState: domain.GuardState(row.GuardState),
		UpdatedAt:  fromMillis(row.UpdatedAtUnix),
	}, nil
}

func (r *accountStateRepository) Upsert(ctx context.Context, state domain.AccountState) error {
	row := model.AccountStateModel{
		UserID:        state.UserID,
		PeakEquity:    state.PeakEquity,
		GuardState:    string(state.GuardState),
		UpdatedAtUnix: toMillis(state.UpdatedAt),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"peak_equity", "guard_state", "updated_at"}),
	}).Create(&row).Error
}

type tradeRepository struct {
	db *gorm.DB
}

func NewTradeRepo(db *gorm.DB) *tradeRepository {
	return &tradeRepository{db: db}
}

func (r *tradeRepository) Track(ctx context.Context, trade domain.TrackedTrade) error {
	if trade.TradeID == "" || trade.UserID == "" {
		return domain.NewValidationError("trade_id", trade.TradeID, "trade id and user id are required")
	}
	if trade.State == "" {
		trade.State = domain.TradePending
	}
	now := time.Now().UTC()
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = now
	}
	if trade.UpdatedAt.IsZero() {
		trade.UpdatedAt = trade.CreatedAt
	}
	row := newTradeModel(trade)
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *tradeRepository) Get(ctx context.Context, tradeID string) (*domain.TrackedTrade, error) {
	return r.first(ctx, r.db.WithContext(ctx).Where("trade_id = ?", tradeID))
}

func (r *tradeRepository) FindByTicket(ctx context.Context, userID, ticketID string) (*domain.TrackedTrade, error) {
	return r.first(ctx, r.db.WithContext(ctx).
		Where("user_id = ? AND broker_ticket = ?", userID, ticketID).
		Order("updated_at DESC"))
}

func (r *tradeRepository) first(_ context.Context, q *gorm.DB) (*domain.TrackedTrade, error) {
	var row model.TrackedTradeModel
	err := q.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	trade := tradeModelToDomain(row)
	return &trade, nil
}

func (r *tradeRepository) ListPending(ctx context.Context, userID string) ([]domain.TrackedTrade, error) {
	var rows []model.TrackedTradeModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND state <> ?", userID, string(domain.TradeClosed)).
		Order("trade_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.TrackedTrade, 0, len(rows))
	for _, row := range rows {
		out = append(out, tradeModelToDomain(row))
	}
	return out, nil
}

// MarkState sets the state unless the trade is already Closed.
func (r *tradeRepository) MarkState(ctx context.Context, tradeID string, state domain.TradeState) error {
	res := r.db.WithContext(ctx).Model(&model.TrackedTradeModel{}).
		Where("trade_id = ? AND state <> ?", tradeID, string(domain.TradeClosed)).
		Updates(map[string]any{
			"state":      string(state),
			"updated_at": time.Now().UTC().UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.missingOrClosed(ctx, tradeID)
	}
	return nil
}

// ApplyTransition moves a trade from tr.From to tr.To. A trade that is no
// longer in tr.From was changed concurrently and yields ErrConflict.
func (r *tradeRepository) ApplyTransition(ctx context.Context, tr domain.TradeTransition, at time.Time) error {
	updates := map[string]any{
		"state":      string(tr.To),
		"updated_at": toMillis(at),
	}
	if tr.BrokerTicket != "" {
		updates["broker_ticket"] = tr.BrokerTicket
	}
	if tr.To == domain.TradeClosed {
		updates["closing"] = false
	}
	res := r.db.WithContext(ctx).Model(&model.TrackedTradeModel{}).
		Where("trade_id = ? AND state = ?", tr.TradeID, string(tr.From)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if err := r.missingOrClosed(ctx, tr.TradeID); err != nil {
			return err
		}
		return fmt.Errorf("trade %s not in state %s: %w", tr.TradeID, tr.From, domain.ErrConflict)
	}
	return nil
}

func (r *tradeRepository) SetClosing(ctx context.Context, tradeID string, closing bool) error {
	q := r.db.WithContext(ctx).Model(&model.TrackedTradeModel{}).
		Where("trade_id = ? AND state <> ?", tradeID, string(domain.TradeClosed))
	if closing {
		q = q.Where("closing = ?", false)
	}
	res := q.Updates(map[string]any{
		"closing":    closing,
		"updated_at": time.Now().UTC().UnixMilli(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if err := r.missingOrClosed(ctx, tradeID); err != nil {
			return err
		}
		if closing {
			return domain.ErrConflict
		}
	}
	return nil
}

func (r *tradeRepository) missingOrClosed(ctx context.Context, tradeID string) error {
	trade, err := r.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade == nil {
		return fmt.Errorf("trade %s: %w", tradeID, gorm.ErrRecordNotFound)
	}
	if trade.State == domain.TradeClosed {
		return domain.ErrAlreadyClosed
	}
	return nil
}

func newTradeModel(t domain.TrackedTrade) model.TrackedTradeModel {
	return model.TrackedTradeModel{
		TradeID:            t.TradeID,
		UserID:             t.UserID,
		Symbol:             t.Symbol,
		Direction:          string(t.Direction),
		ExpectedVolume:     t.ExpectedVolume,
		ExpectedEntryPrice: t.ExpectedEntryPrice,
		TakeProfit:         t.TakeProfit,
		StopLoss:           t.StopLoss,
		State:              string(t.State),
		BrokerTicket:       t.BrokerTicket,
		Closing:            t.Closing,
		CreatedAtUnix:      toMillis(t.CreatedAt),
		UpdatedAtUnix:      toMillis(t.UpdatedAt),
	}
}

func tradeModelToDomain(m model.TrackedTradeModel) domain.TrackedTrade {
	return domain.TrackedTrade{
		TradeID:            m.TradeID,
		UserID:             m.UserID,
		Symbol:             m.Symbol,
		Direction:          domain.Direction(m.Direction),
		ExpectedVolume:     m.ExpectedVolume,
		ExpectedEntryPrice: m.ExpectedEntryPrice,
		TakeProfit:         m.TakeProfit,
		StopLoss:           m.StopLoss,
		State:              domain.TradeState(m.State),
		BrokerTicket:       m.BrokerTicket,
		Closing:            m.Closing,
		CreatedAt:          fromMillis(m.CreatedAtUnix),
		UpdatedAt:          fromMillis(m.UpdatedAtUnix),
	}
}
