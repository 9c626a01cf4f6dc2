package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/store/model"

	"gorm.io/gorm"
)

type eventRepository struct {
	db *gorm.DB
}

func NewEventRepo(db *gorm.DB) *eventRepository {
	return &eventRepository{db: db}
}

// Append inserts events. Existing rows are never updated: a duplicate id
// fails the insert.
func (r *eventRepository) Append(ctx context.Context, events []domain.ReconciliationEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]model.ReconciliationEventModel, 0, len(events))
	for _, evt := range events {
		row, err := newEventModel(evt)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

func (r *eventRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.ReconciliationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.ReconciliationEventModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return eventModelsToDomain(rows), nil
}

func (r *eventRepository) ListByCycle(ctx context.Context, userID, cycleID string) ([]domain.ReconciliationEvent, error) {
	var rows []model.ReconciliationEventModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND cycle_id = ?", userID, cycleID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return eventModelsToDomain(rows), nil
}

type snapshotRepository struct {
	db *gorm.DB
}

func NewSnapshotRepo(db *gorm.DB) *snapshotRepository {
	return &snapshotRepository{db: db}
}

func (r *snapshotRepository) Append(ctx context.Context, snap domain.AccountSnapshot) error {
	row := model.AccountSnapshotModel{
		UserID:            snap.UserID,
		CycleID:           snap.CycleID,
		Equity:            snap.Equity,
		Balance:           snap.Balance,
		PeakEquity:        snap.PeakEquity,
		DrawdownPercent:   snap.DrawdownPercent,
		OpenPositionCount: snap.OpenPositionCount,
		TotalOpenVolume:   snap.TotalOpenVolume,
		UnrealizedPnL:     snap.UnrealizedPnL,
		MarginUsedPercent: snap.MarginUsedPercent,
		GuardState:        string(snap.GuardState),
		SyncedAtUnix:      toMillis(snap.SyncedAt),
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *snapshotRepository) Latest(ctx context.Context, userID string) (*domain.AccountSnapshot, error) {
	var row model.AccountSnapshotModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("synced_at DESC, id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.AccountSnapshot{
		UserID:            row.UserID,
		CycleID:           row.CycleID,
		Equity:            row.Equity,
		Balance:           row.Balance,
		PeakEquity:        row.PeakEquity,
		DrawdownPercent:   row.DrawdownPercent,
		OpenPositionCount: row.OpenPositionCount,
		TotalOpenVolume:   row.TotalOpenVolume,
		UnrealizedPnL:     row.UnrealizedPnL,
		MarginUsedPercent: row.MarginUsedPercent,
		GuardState:        domain.GuardState(row.GuardState),
		SyncedAt:          fromMillis(row.SyncedAtUnix),
	}, nil
}

func newEventModel(evt domain.ReconciliationEvent) (model.ReconciliationEventModel, error) {
	reasons, err := json.Marshal(evt.Reasons)
	if err != nil {
		return model.ReconciliationEventModel{}, err
	}
	return model.ReconciliationEventModel{
		ID:                 evt.ID,
		UserID:             evt.UserID,
		CycleID:            evt.CycleID,
		EventType:          string(evt.EventType),
		Reasons:            reasons,
		PrimaryReason:      string(evt.Reasons.Primary()),
		TicketID:           evt.TicketID,
		TradeID:            evt.TradeID,
		Symbol:             evt.Symbol,
		Direction:          string(evt.Direction),
		ObservedVolume:     evt.ObservedVolume,
		ExpectedVolume:     evt.ExpectedVolume,
		ObservedOpenPrice:  evt.ObservedOpenPrice,
		ExpectedEntryPrice: evt.ExpectedEntryPrice,
		CurrentPrice:       evt.CurrentPrice,
		ObservedTakeProfit: evt.ObservedTakeProfit,
		ObservedStopLoss:   evt.ObservedStopLoss,
		ClosePrice:         evt.ClosePrice,
		RealizedPnL:        evt.RealizedPnL,
		CloseReason:        evt.CloseReason,
		CreatedAtUnix:      toMillis(evt.CreatedAt),
	}, nil
}

func eventModelsToDomain(rows []model.ReconciliationEventModel) []domain.ReconciliationEvent {
	out := make([]domain.ReconciliationEvent, 0, len(rows))
	for _, row := range rows {
		var reasons []domain.DivergenceReason
		if len(row.Reasons) > 0 {
			_ = json.Unmarshal(row.Reasons, &reasons)
		}
		out = append(out, domain.ReconciliationEvent{
			ID:                 row.ID,
			UserID:             row.UserID,
			CycleID:            row.CycleID,
			EventType:          domain.EventType(row.EventType),
			Reasons:            domain.NewDivergenceSet(reasons...),
			TicketID:           row.TicketID,
			TradeID:            row.TradeID,
			Symbol:             row.Symbol,
			Direction:          domain.Direction(row.Direction),
			ObservedVolume:     row.ObservedVolume,
			ExpectedVolume:     row.ExpectedVolume,
			ObservedOpenPrice:  row.ObservedOpenPrice,
			ExpectedEntryPrice: row.ExpectedEntryPrice,
			CurrentPrice:       row.CurrentPrice,
			ObservedTakeProfit: row.ObservedTakeProfit,
			ObservedStopLoss:   row.ObservedStopLoss,
			ClosePrice:         row.ClosePrice,
			RealizedPnL:        row.RealizedPnL,
			CloseReason:        row.CloseReason,
			CreatedAt:          fromMillis(row.CreatedAtUnix),
		})
	}
	return out
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
