package db

import (
	"context"
	"equipment_lending/models"
	"fmt"
	"strings"
	"time"
)

// Equipment

func (r *Repo) CreateEquipment(ctx context.Context, e *models.Equipment) error {
	if e.Status == "" {
		e.Status = models.UnitAvailable
	}
	if e.Condition == "" {
		e.Condition = models.ConditionGood
	}
	if e.TrackingStatus == "" {
		e.TrackingStatus = models.TrackingUnknown
	}
	return translate(r.DB.WithContext(ctx).Create(e).Error)
}

// FindEquipment returns removed units too; callers decide what removal means.
func (r *Repo) FindEquipment(ctx context.Context, id string) (*models.Equipment, error) {
	var e models.Equipment
	if err := r.DB.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (r *Repo) FindEquipmentByTag(ctx context.Context, tag string) (*models.Equipment, error) {
	var e models.Equipment
	if err := r.DB.WithContext(ctx).
		Where("tracking_tag = ? AND removed_at IS NULL", tag).
		First(&e).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

type EquipmentQuery struct {
	Q              string // serial / name
	Status         models.UnitStatus
	Category       models.Category
	IncludeRemoved bool
	Page           int
	Size           int
}

type PagedEquipment struct {
	Total int64              `json:"total"`
	Items []models.Equipment `json:"items"`
}

func (r *Repo) ListEquipment(ctx context.Context, q EquipmentQuery) (PagedEquipment, error) {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Size <= 0 || q.Size > 200 {
		q.Size = 20
	}

	tx := r.DB.WithContext(ctx).Model(&models.Equipment{})
	if !q.IncludeRemoved {
		tx = tx.Where("removed_at IS NULL")
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	if q.Category != "" {
		tx = tx.Where("category = ?", q.Category)
	}
	if s := strings.TrimSpace(q.Q); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		tx = tx.Where("LOWER(serial) LIKE ? OR LOWER(name) LIKE ?", like, like)
	}

	var out PagedEquipment
	if err := tx.Count(&out.Total).Error; err != nil {
		return PagedEquipment{}, err
	}
	if err := tx.Order("created_at DESC").
		Offset((q.Page - 1) * q.Size).
		Limit(q.Size).
		Find(&out.Items).Error; err != nil {
		return PagedEquipment{}, err
	}
	return out, nil
}

// ListTrackedEquipment returns every live unit carrying a tag.
func (r *Repo) ListTrackedEquipment(ctx context.Context) ([]models.Equipment, error) {
	var items []models.Equipment
	err := r.DB.WithContext(ctx).
		Where("tracking_tag IS NOT NULL AND tracking_tag <> '' AND removed_at IS NULL").
		Order("serial").
		Find(&items).Error
	return items, err
}

// ListEquipmentByStatus returns live units in status s.
func (r *Repo) ListEquipmentByStatus(ctx context.Context, s models.UnitStatus) ([]models.Equipment, error) {
	var items []models.Equipment
	err := r.DB.WithContext(ctx).
		Where("status = ? AND removed_at IS NULL", s).
		Order("serial").
		Find(&items).Error
	return items, err
}

// TransitionUnitStatus flips the unit only if it is still in `from`.
// ErrStale means somebody else moved it first.
func (r *Repo) TransitionUnitStatus(ctx context.Context, id string, from, to models.UnitStatus) error {
	res := r.DB.WithContext(ctx).Model(&models.Equipment{}).
		Where("id = ? AND status = ? AND removed_at IS NULL", id, from).
		Update("status", to)
	if res.Error != nil {
		return fmt.Errorf("transition unit %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return r.staleOrMissing(ctx, &models.Equipment{}, id)
	}
	return nil
}

func (r *Repo) SetUnitCondition(ctx context.Context, id string, c models.Condition) error {
	res := r.DB.WithContext(ctx).Model(&models.Equipment{}).
		Where("id = ?", id).
		Update("condition", c)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpBookingSeq advances the unit's booking sequence from seen to seen+1.
// Writers that add an occupying window call it after their insert; losing
// means another booking landed in between and the window must be rechecked.
func (r *Repo) BumpBookingSeq(ctx context.Context, id string, seen int64) error {
	res := r.DB.WithContext(ctx).Model(&models.Equipment{}).
		Where("id = ? AND booking_seq = ?", id, seen).
		Update("booking_seq", seen+1)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.staleOrMissing(ctx, &models.Equipment{}, id)
	}
	return nil
}

func (r *Repo) TransitionTrackingStatus(ctx context.Context, id string, from, to models.TrackingStatus) error {
	res := r.DB.WithContext(ctx).Model(&models.Equipment{}).
		Where("id = ? AND tracking_status = ?", id, from).
		Update("tracking_status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.staleOrMissing(ctx, &models.Equipment{}, id)
	}
	return nil
}

type Heartbeat struct {
	SeenAt   time.Time
	Battery  *int
	Location string
	Lat      *float64
	Lng      *float64
}

// RecordHeartbeat stores what a tracker reported. Tracking status is left to
// TransitionTrackingStatus.
func (r *Repo) RecordHeartbeat(ctx context.Context, id string, hb Heartbeat) error {
	fields := map[string]any{"last_seen_at": hb.SeenAt}
	if hb.Battery != nil {
		fields["battery_level"] = *hb.Battery
	}
	if hb.Location != "" {
		fields["location"] = hb.Location
	}
	if hb.Lat != nil && hb.Lng != nil {
		fields["geo_lat"] = *hb.Lat
		fields["geo_lng"] = *hb.Lng
	}
	res := r.DB.WithContext(ctx).Model(&models.Equipment{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type EquipmentPatch struct {
	Name        *string
	Category    *models.Category
	Location    *string
	TrackingTag *string
}

func (r *Repo) UpdateEquipmentDetails(ctx context.Context, id string, p EquipmentPatch) error {
	fields := map[string]any{}
	if p.Name != nil {
		fields["name"] = *p.Name
	}
	if p.Category != nil {
		fields["category"] = *p.Category
	}
	if p.Location != nil {
		fields["location"] = *p.Location
	}
	if p.TrackingTag != nil {
		if *p.TrackingTag == "" {
			fields["tracking_tag"] = nil
		} else {
			fields["tracking_tag"] = *p.TrackingTag
		}
	}
	if len(fields) == 0 {
		return nil
	}
	res := r.DB.WithContext(ctx).Model(&models.Equipment{}).
		Where("id = ? AND removed_at IS NULL", id).
		Updates(fields)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftRemoveEquipment hides the unit from listings. History keeps pointing at it.
func (r *Repo) SoftRemoveEquipment(ctx context.Context, id string, at time.Time) error {
	res := r.DB.WithContext(ctx).Model(&models.Equipment{}).
		Where("id = ? AND removed_at IS NULL", id).
		Updates(map[string]any{"removed_at": at, "tracking_tag": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.staleOrMissing(ctx, &models.Equipment{}, id)
	}
	return nil
}
