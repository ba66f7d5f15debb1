package subscription

import (
	"time"

	"github.com/nexmobile/subsync/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the ledger operations used by the validation
// pipeline, the webhook normalizer and the reconciliation sweeps.
type Repository interface {
	GetSubscriptionByPlatformRef(platform, platformRef string) (*models.Subscription, error)
	GetSubscriptionByOriginalTransactionID(platform, originalTxID string) (*models.Subscription, error)
	// CreateSubscriptionIfAbsent inserts unless the (platform, platform_ref)
	// row already exists; either way the stored row is returned.
	CreateSubscriptionIfAbsent(sub *models.Subscription) (bool, *models.Subscription, error)
	SaveSubscription(sub *models.Subscription) error
	// UpdateSubscriptionCAS applies updates only while the row is still in
	// fromState, so racing writers cannot clobber each other's transition.
	UpdateSubscriptionCAS(id uint, fromState string, updates map[string]any) (bool, error)

	AppendEvent(ev *models.SubscriptionEvent) error

	GetUser(userID uint) (*models.User, error)
	UpdateUserEntitlement(userID uint, updates map[string]any) error

	ListDueForExpiry(now time.Time, limit int) ([]models.Subscription, error)
	ListGraceElapsed(now time.Time, graceWindow time.Duration, limit int) ([]models.Subscription, error)
	ListRenewalCandidates(now time.Time, window time.Duration, limit int) ([]models.Subscription, error)

	CountActive() (int64, error)
	CountCreatedBetween(from, to time.Time) (int64, error)
	CountCancelledBetween(from, to time.Time) (int64, error)
	SumRevenueBetween(from, to time.Time) (int64, error)
	UpsertDailyAnalytics(row *models.DailyAnalytics) error
	AddDailyCounters(day string, expired, renewed int64) error

	// WithTx runs fn against a repository bound to one transaction.
	WithTx(fn func(Repository) error) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetSubscriptionByPlatformRef(platform, platformRef string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("platform = ? AND platform_ref = ?", platform, platformRef).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByOriginalTransactionID(platform, originalTxID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.
		Where("platform = ? AND original_transaction_id = ?", platform, originalTxID).
		Order("id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) CreateSubscriptionIfAbsent(sub *models.Subscription) (bool, *models.Subscription, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "platform"},
			{Name: "platform_ref"},
		},
		DoNothing: true,
	}).Create(sub)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Subscription
	if err := r.db.Where("platform = ? AND platform_ref = ?", sub.Platform, sub.PlatformRef).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) SaveSubscription(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

func (r *gormRepository) UpdateSubscriptionCAS(id uint, fromState string, updates map[string]any) (bool, error) {
	tx := r.db.Model(&models.Subscription{}).
		Where("id = ? AND state = ?", id, fromState).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) AppendEvent(ev *models.SubscriptionEvent) error {
	return r.db.Create(ev).Error
}

func (r *gormRepository) GetUser(userID uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) UpdateUserEntitlement(userID uint, updates map[string]any) error {
	return r.db.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error
}

func (r *gormRepository) ListDueForExpiry(now time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.
		Where("state = ? AND current_period_end IS NOT NULL AND current_period_end < ?", models.SubStateActive, now).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListGraceElapsed(now time.Time, graceWindow time.Duration, limit int) ([]models.Subscription, error) {
	cutoff := now.Add(-graceWindow)
	var subs []models.Subscription
	err := r.db.
		Where("state = ? AND COALESCE(grace_started_at, current_period_end) < ?", models.SubStateGracePeriod, cutoff).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListRenewalCandidates(now time.Time, window time.Duration, limit int) ([]models.Subscription, error) {
	horizon := now.Add(window)
	var subs []models.Subscription
	err := r.db.
		Where("state = ? AND auto_renew = ? AND current_period_end IS NOT NULL AND current_period_end BETWEEN ? AND ?",
			models.SubStateActive, true, now, horizon).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) CountActive() (int64, error) {
	var n int64
	err := r.db.Model(&models.Subscription{}).
		Where("state IN ?", []string{models.SubStateActive, models.SubStateGracePeriod}).
		Count(&n).Error
	return n, err
}

func (r *gormRepository) CountCreatedBetween(from, to time.Time) (int64, error) {
	var n int64
	err := r.db.Model(&models.Subscription{}).
		Where("created_at >= ? AND created_at < ?", from, to).
		Count(&n).Error
	return n, err
}

func (r *gormRepository) CountCancelledBetween(from, to time.Time) (int64, error) {
	var n int64
	err := r.db.Model(&models.Subscription{}).
		Where("cancelled_at >= ? AND cancelled_at < ?", from, to).
		Count(&n).Error
	return n, err
}

func (r *gormRepository) SumRevenueBetween(from, to time.Time) (int64, error) {
	var sum *int64
	err := r.db.Model(&models.Subscription{}).
		Select("SUM(amount_micros)").
		Where("last_payment_at >= ? AND last_payment_at < ?", from, to).
		Scan(&sum).Error
	if err != nil || sum == nil {
		return 0, err
	}
	return *sum, nil
}

func (r *gormRepository) UpsertDailyAnalytics(row *models.DailyAnalytics) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"active_count",
			"new_count",
			"cancelled_count",
			"revenue_micros",
			"currency",
			"updated_at",
		}),
	}).Create(row).Error
}

func (r *gormRepository) AddDailyCounters(day string, expired, renewed int64) error {
	row := &models.DailyAnalytics{Day: day, ExpiredCount: expired, RenewedCount: renewed}
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}},
		DoUpdates: clause.Assignments(map[string]any{
			"expired_count": gorm.Expr("expired_count + ?", expired),
			"renewed_count": gorm.Expr("renewed_count + ?", renewed),
		}),
	}).Create(row).Error
}

func (r *gormRepository) WithTx(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}
