package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Release flags resolved by ResolveClientVersion.
const (
	FlagStable = "stable"
	FlagLatest = "latest"
)

// Rules returns every alert rule ordered by evaluation priority.
func (r *Registry) Rules(ctx context.Context) ([]AlertRule, error) {
	var rules []AlertRule
	if err := r.db.WithContext(ctx).Order("priority, name").Find(&rules).Error; err != nil {
		return nil, classify(ctx, err)
	}
	return rules, nil
}

// UpsertRules inserts rules or refreshes the stored copy of rules with the same name.
func (r *Registry) UpsertRules(ctx context.Context, rules []AlertRule) error {
	if len(rules) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kind", "threshold", "priority", "subject", "body",
			"alert_status", "from_email", "to_addresses", "updated_at",
		}),
	}).Create(&rules).Error
	return classify(ctx, err)
}

// AddRecipient stores an additional recipient subscribed to the named rules.
func (r *Registry) AddRecipient(ctx context.Context, recipient Recipient, ruleNames []string) (*Recipient, error) {
	if recipient.Email == "" || recipient.AssociatedWith == "" {
		return nil, errors.New("recipient email and association are required")
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var subs []AlertRule
		if len(ruleNames) > 0 {
			if err := tx.Where("name IN ?", ruleNames).Find(&subs).Error; err != nil {
				return err
			}
			if len(subs) != len(ruleNames) {
				return fmt.Errorf("unknown alert rule in %s", strings.Join(ruleNames, ","))
			}
		}
		recipient.Subscriptions = subs
		return tx.Create(&recipient).Error
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	return &recipient, nil
}

// ListRecipients returns every recipient with its subscriptions.
func (r *Registry) ListRecipients(ctx context.Context) ([]Recipient, error) {
	var recipients []Recipient
	if err := r.db.WithContext(ctx).Preload("Subscriptions").Order("id").Find(&recipients).Error; err != nil {
		return nil, classify(ctx, err)
	}
	return recipients, nil
}

// Recipients returns recipients associated with any of units that subscribed to rule.
func (r *Registry) Recipients(ctx context.Context, units []string, rule string) ([]Recipient, error) {
	keys := make([]string, 0, len(units))
	for _, unit := range units {
		if unit != "" {
			keys = append(keys, unit)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	var candidates []Recipient
	err := r.db.WithContext(ctx).
		Preload("Subscriptions").
		Where("associated_with IN ?", keys).
		Order("id").
		Find(&candidates).Error
	if err != nil {
		return nil, classify(ctx, err)
	}

	out := candidates[:0]
	for _, candidate := range candidates {
		if candidate.Subscribed(rule) {
			out = append(out, candidate)
		}
	}
	return out, nil
}

// UpsertRelease records a client release. Setting a flag moves it away from any other release.
func (r *Registry) UpsertRelease(ctx context.Context, release ClientRelease) error {
	if release.Version == "" {
		return errors.New("release version is required")
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if release.Flag != "" {
			if err := tx.Model(&ClientRelease{}).
				Where("flag = ? AND version <> ?", release.Flag, release.Version).
				Update("flag", "").Error; err != nil {
				return err
			}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "version"}},
			DoUpdates: clause.AssignmentColumns([]string{"flag"}),
		}).Create(&release).Error
	})
	return classify(ctx, err)
}

// ResolveClientVersion maps a client version tag to a concrete release version.
func (r *Registry) ResolveClientVersion(ctx context.Context, tag string) string {
	if tag == "" {
		return UnresolvedVersion
	}
	query := r.db.WithContext(ctx).Where("version = ?", tag)
	if tag == FlagStable || tag == FlagLatest {
		query = r.db.WithContext(ctx).Where("flag = ?", tag)
	}
	var release ClientRelease
	if err := query.Order("created_at desc").First(&release).Error; err != nil {
		return UnresolvedVersion
	}
	return release.Version
}
