// Package registry persists the last known state of every tracked agent and
// the alert rules evaluated against it.
package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// UnresolvedVersion is reported when a client version tag matches no release.
const UnresolvedVersion = "undefined"

// Registry is the AgentRegistry backed by gorm.
type Registry struct {
	db *gorm.DB
}

// Open connects to the sqlite database at dsn and migrates the schema.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; one connection keeps writers queued instead of failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table owned by the registry.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Agent{}, &AlertRule{}, &Recipient{}, &ClientRelease{}, &AlertEvent{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func New(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Register creates a new agent in the registered state holding the bootstrap identifier hash.
func (r *Registry) Register(ctx context.Context, spec AgentSpec, identifierHash string) (*Agent, error) {
	if spec.Name == "" {
		return nil, errors.New("agent name is required")
	}
	agent := Agent{
		Name:           spec.Name,
		IdentifierHash: identifierHash,
		State:          StateRegistered,
		Company:        spec.Company,
		Location:       spec.Location,
		SFTPHost:       spec.SFTPHost,
		SFTPUsername:   spec.SFTPUsername,
		SFTPPassword:   spec.SFTPPassword,
		SFTPFolderPath: spec.SFTPFolderPath,
		FolderPassword: spec.FolderPassword,
		ManagerHost:    spec.ManagerHost,
		ClientVersion:  spec.ClientVersion,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Unscoped().Model(&Agent{}).Where("name = ?", spec.Name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAgentExists
		}
		if err := tx.Create(&agent).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAgentExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	return &agent, nil
}

// Agent loads a single agent by name.
func (r *Registry) Agent(ctx context.Context, name string) (*Agent, error) {
	var agent Agent
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&agent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownAgent
		}
		return nil, classify(ctx, err)
	}
	return &agent, nil
}

// Rotate atomically replaces the identifier hash of the named agent when presentedHash
// is its current value. Exactly one of several concurrent callers presenting the same
// hash can succeed.
func (r *Registry) Rotate(ctx context.Context, name, presentedHash, nextHash string, now time.Time) (*Agent, error) {
	var agent Agent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name)
		if err := query.First(&agent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownAgent
			}
			return err
		}
		if subtle.ConstantTimeCompare([]byte(agent.IdentifierHash), []byte(presentedHash)) != 1 {
			return ErrInvalidIdentifier
		}

		ts := now.UTC()
		result := tx.Model(&Agent{}).
			Where("id = ? AND identifier_hash = ?", agent.ID, presentedHash).
			Updates(map[string]interface{}{
				"identifier_hash":  nextHash,
				"last_time_online": ts,
				"state":            StateActive,
			})
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return ErrConcurrentModification
			}
			return result.Error
		}
		if result.RowsAffected != 1 {
			return ErrConcurrentModification
		}

		agent.IdentifierHash = nextHash
		agent.LastTimeOnline = &ts
		agent.State = StateActive
		return nil
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	return &agent, nil
}

// ResetIdentifier installs a fresh bootstrap identifier hash for an existing agent and
// returns it to the registered state.
func (r *Registry) ResetIdentifier(ctx context.Context, name, identifierHash string) (*Agent, error) {
	result := r.db.WithContext(ctx).Model(&Agent{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"identifier_hash": identifierHash,
			"state":           StateRegistered,
		})
	if result.Error != nil {
		return nil, classify(ctx, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrUnknownAgent
	}
	return r.Agent(ctx, name)
}

// DownloadUpdate carries the fields of a download status report.
type DownloadUpdate struct {
	Status         string
	LastDownloaded string
	Completed      bool
}

// TouchOnline records a check-in for the agent holding identifierHash.
func (r *Registry) TouchOnline(ctx context.Context, identifierHash string, now time.Time) (*Agent, error) {
	return r.updateByIdentifier(ctx, identifierHash, map[string]interface{}{
		"last_time_online": now.UTC(),
	})
}

// RecordActivity records a check-in and, when downloadCompleted is set, a finished download.
func (r *Registry) RecordActivity(ctx context.Context, identifierHash string, downloadCompleted bool, now time.Time) (*Agent, error) {
	ts := now.UTC()
	updates := map[string]interface{}{"last_time_online": ts}
	if downloadCompleted {
		updates["last_download_time"] = ts
	}
	return r.updateByIdentifier(ctx, identifierHash, updates)
}

// RecordDownload stores a download status report. last_download_time only advances
// when the report marks the download as completed.
func (r *Registry) RecordDownload(ctx context.Context, identifierHash string, update DownloadUpdate, now time.Time) (*Agent, error) {
	ts := now.UTC()
	updates := map[string]interface{}{
		"last_time_online": ts,
		"download_status":  update.Status,
	}
	if update.LastDownloaded != "" {
		updates["last_downloaded"] = update.LastDownloaded
	}
	if update.Completed {
		updates["last_download_time"] = ts
	}
	return r.updateByIdentifier(ctx, identifierHash, updates)
}

// ReplaceChecksums overwrites the stored checksum set.
func (r *Registry) ReplaceChecksums(ctx context.Context, identifierHash string, sums Checksums, now time.Time) (*Agent, error) {
	if sums == nil {
		sums = Checksums{}
	}
	return r.updateByIdentifier(ctx, identifierHash, map[string]interface{}{
		"files_checksum":   sums,
		"last_time_online": now.UTC(),
	})
}

func (r *Registry) updateByIdentifier(ctx context.Context, identifierHash string, updates map[string]interface{}) (*Agent, error) {
	if identifierHash == "" {
		return nil, ErrInvalidIdentifier
	}
	var agent Agent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Agent{}).Where("identifier_hash = ?", identifierHash).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrInvalidIdentifier
		}
		return tx.Where("identifier_hash = ?", identifierHash).First(&agent).Error
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	return &agent, nil
}

// Snapshot returns every tracked agent in a single read.
func (r *Registry) Snapshot(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := r.db.WithContext(ctx).Order("id").Find(&agents).Error; err != nil {
		return nil, classify(ctx, err)
	}
	return agents, nil
}

// SetAlertStatus stores the evaluated traffic-light status of one agent.
func (r *Registry) SetAlertStatus(ctx context.Context, id uint, status string) error {
	result := r.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).Update("alert_status", status)
	if result.Error != nil {
		return classify(ctx, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUnknownAgent
	}
	return nil
}

// ResetAlertStatuses clears the alert status of every agent so the next tick starts fresh.
func (r *Registry) ResetAlertStatuses(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Model(&Agent{}).Where("1 = 1").Update("alert_status", "")
	if result.Error != nil {
		return 0, classify(ctx, result.Error)
	}
	return result.RowsAffected, nil
}

// Deactivate soft-deletes an agent; its record stays in the database.
func (r *Registry) Deactivate(ctx context.Context, name string) error {
	result := r.db.WithContext(ctx).Where("name = ?", name).Delete(&Agent{})
	if result.Error != nil {
		return classify(ctx, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUnknownAgent
	}
	return nil
}
