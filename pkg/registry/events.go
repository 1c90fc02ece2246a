package registry

import (
	"context"
	"time"
)

// RecordEvent appends a notification delivery attempt to the ledger.
func (r *Registry) RecordEvent(ctx context.Context, event AlertEvent) error {
	if event.SentAt.IsZero() {
		event.SentAt = time.Now().UTC()
	}
	return classify(ctx, r.db.WithContext(ctx).Create(&event).Error)
}

// Events returns the most recent ledger entries, newest first.
func (r *Registry) Events(ctx context.Context, limit int) ([]AlertEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []AlertEvent
	if err := r.db.WithContext(ctx).Order("sent_at desc, id desc").Limit(limit).Find(&events).Error; err != nil {
		return nil, classify(ctx, err)
	}
	return events, nil
}

// PruneEvents deletes ledger entries older than cutoff.
func (r *Registry) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("sent_at < ?", cutoff).Delete(&AlertEvent{})
	if result.Error != nil {
		return 0, classify(ctx, result.Error)
	}
	return result.RowsAffected, nil
}
