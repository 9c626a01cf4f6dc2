package gormstore

import (
	"context"

	"tradeguard/internal/domain"
	"tradeguard/internal/store/model"

	"gorm.io/gorm"
)

type alertRepository struct {
	db *gorm.DB
}

func NewAlertRepo(db *gorm.DB) *alertRepository {
	return &alertRepository{db: db}
}

func (r *alertRepository) AppendDrawdown(ctx context.Context, alert domain.DrawdownAlert) error {
	row := model.DrawdownAlertModel{
		ID:              alert.ID,
		UserID:          alert.UserID,
		CycleID:         alert.CycleID,
		AlertType:       string(alert.AlertType),
		DrawdownPercent: alert.DrawdownPercent,
		Equity:          alert.Equity,
		PeakEquity:      alert.PeakEquity,
		PositionsCount:  alert.PositionsCount,
		ActionTaken:     string(alert.ActionTaken),
		Reason:          alert.Reason,
		CreatedAtUnix:   toMillis(alert.CreatedAt),
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *alertRepository) AppendMarket(ctx context.Context, alerts []domain.MarketConditionAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	rows := make([]model.MarketConditionAlertModel, 0, len(alerts))
	for _, a := range alerts {
		rows = append(rows, model.MarketConditionAlertModel{
			ID:             a.ID,
			UserID:         a.UserID,
			CycleID:        a.CycleID,
			AlertType:      string(a.AlertType),
			Severity:       string(a.Severity),
			Symbol:         a.Symbol,
			ConditionValue: a.ConditionValue,
			ThresholdValue: a.ThresholdValue,
			PositionID:     a.PositionID,
			CreatedAtUnix:  toMillis(a.CreatedAt),
		})
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

func (r *alertRepository) ListDrawdown(ctx context.Context, userID string, limit int) ([]domain.DrawdownAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []model.DrawdownAlertModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DrawdownAlert, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.DrawdownAlert{
			ID:              row.ID,
			UserID:          row.UserID,
			CycleID:         row.CycleID,
			AlertType:       domain.DrawdownAlertType(row.AlertType),
			DrawdownPercent: row.DrawdownPercent,
			Equity:          row.Equity,
			PeakEquity:      row.PeakEquity,
			PositionsCount:  row.PositionsCount,
			ActionTaken:     domain.AlertAction(row.ActionTaken),
			Reason:          row.Reason,
			CreatedAt:       fromMillis(row.CreatedAtUnix),
		})
	}
	return out, nil
}

func (r *alertRepository) ListMarket(ctx context.Context, userID string, limit int) ([]domain.MarketConditionAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []model.MarketConditionAlertModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.MarketConditionAlert, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.MarketConditionAlert{
			ID:             row.ID,
			UserID:         row.UserID,
			CycleID:        row.CycleID,
			AlertType:      domain.MarketAlertType(row.AlertType),
			Severity:       domain.Severity(row.Severity),
			Symbol:         row.Symbol,
			ConditionValue: row.ConditionValue,
			ThresholdValue: row.ThresholdValue,
			PositionID:     row.PositionID,
			CreatedAt:      fromMillis(row.CreatedAtUnix),
		})
	}
	return out, nil
}
