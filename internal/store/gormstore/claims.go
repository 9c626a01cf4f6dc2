package gormstore

import (
	"context"
	"errors"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type closeClaimRepository struct {
	db *gorm.DB
}

func NewCloseClaimRepo(db *gorm.DB) *closeClaimRepository {
	return &closeClaimRepository{db: db}
}

func (r *closeClaimRepository) Get(ctx context.Context, userID, ticketID string) (*domain.CloseClaim, error) {
	var row model.CloseClaimModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND ticket_id = ?", userID, ticketID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	claim := claimModelToDomain(row)
	return &claim, nil
}

func (r *closeClaimRepository) Insert(ctx context.Context, claim domain.CloseClaim) (bool, error) {
	row := model.CloseClaimModel{
		UserID:        claim.UserID,
		TicketID:      claim.TicketID,
		TradeID:       claim.TradeID,
		Reason:        claim.Reason,
		Status:        string(domain.ClaimInProgress),
		Attempts:      1,
		ClaimedAtUnix: toMillis(claim.ClaimedAt),
		UpdatedAtUnix: toMillis(claim.ClaimedAt),
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *closeClaimRepository) Reacquire(ctx context.Context, userID, ticketID string, staleBefore time.Time, maxAttempts int, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.CloseClaimModel{}).
		Where("user_id = ? AND ticket_id = ? AND escalated = ? AND attempts < ?", userID, ticketID, false, maxAttempts).
		Where(r.db.Where("status = ?", string(domain.ClaimFailed)).
			Or("status = ? AND claimed_at < ?", string(domain.ClaimInProgress), toMillis(staleBefore))).
		Updates(map[string]any{
			"status":     string(domain.ClaimInProgress),
			"attempts":   gorm.Expr("attempts + 1"),
			"claimed_at": toMillis(now),
			"updated_at": toMillis(now),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *closeClaimRepository) MarkClosed(ctx context.Context, userID, ticketID string, now time.Time) error {
	return r.db.WithContext(ctx).Model(&model.CloseClaimModel{}).
		Where("user_id = ? AND ticket_id = ?", userID, ticketID).
		Updates(map[string]any{
			"status":     string(domain.ClaimClosed),
			"last_error": "",
			"updated_at": toMillis(now),
		}).Error
}

func (r *closeClaimRepository) MarkFailed(ctx context.Context, userID, ticketID, lastError string, escalated bool, now time.Time) error {
	return r.db.WithContext(ctx).Model(&model.CloseClaimModel{}).
		Where("user_id = ? AND ticket_id = ? AND status <> ?", userID, ticketID, string(domain.ClaimClosed)).
		Updates(map[string]any{
			"status":     string(domain.ClaimFailed),
			"last_error": lastError,
			"escalated":  escalated,
			"updated_at": toMillis(now),
		}).Error
}

func (r *closeClaimRepository) ListRetryable(ctx context.Context, userID string, maxAttempts int) ([]domain.CloseClaim, error) {
	var rows []model.CloseClaimModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND escalated = ? AND attempts < ?",
			userID, string(domain.ClaimFailed), false, maxAttempts).
		Order("ticket_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return claimModelsToDomain(rows), nil
}

func (r *closeClaimRepository) ListEscalated(ctx context.Context, userID string) ([]domain.CloseClaim, error) {
	var rows []model.CloseClaimModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND escalated = ? AND status <> ?", userID, true, string(domain.ClaimClosed)).
		Order("ticket_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return claimModelsToDomain(rows), nil
}

func (r *closeClaimRepository) SettleMissing(ctx context.Context, userID string, open []string, now time.Time) ([]domain.CloseClaim, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, string(domain.ClaimFailed))
	if len(open) > 0 {
		q = q.Where("ticket_id NOT IN ?", open)
	}
	var rows []model.CloseClaimModel
	if err := q.Order("ticket_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	tickets := make([]string, 0, len(rows))
	for _, row := range rows {
		tickets = append(tickets, row.TicketID)
	}
	err := r.db.WithContext(ctx).Model(&model.CloseClaimModel{}).
		Where("user_id = ? AND status = ? AND ticket_id IN ?", userID, string(domain.ClaimFailed), tickets).
		Updates(map[string]any{
			"status":     string(domain.ClaimClosed),
			"updated_at": toMillis(now),
		}).Error
	if err != nil {
		return nil, err
	}
	return claimModelsToDomain(rows), nil
}

func claimModelsToDomain(rows []model.CloseClaimModel) []domain.CloseClaim {
	out := make([]domain.CloseClaim, 0, len(rows))
	for _, row := range rows {
		out = append(out, claimModelToDomain(row))
	}
	return out
}

func claimModelToDomain(m model.CloseClaimModel) domain.CloseClaim {
	return domain.CloseClaim{
		UserID:    m.UserID,
		TicketID:  m.TicketID,
		TradeID:   m.TradeID,
		Reason:    m.Reason,
		Status:    domain.ClaimStatus(m.Status),
		Attempts:  m.Attempts,
		LastError: m.LastError,
		Escalated: m.Escalated,
		ClaimedAt: fromMillis(m.ClaimedAtUnix),
		UpdatedAt: fromMillis(m.UpdatedAtUnix),
	}
}
