// Package recorddb persists request records in PostgreSQL through gorm.
package recorddb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/reqflow/core/request"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// requestRecord is the table row for a request.Record. The composite key
// keeps ids from different tenants apart.
type requestRecord struct {
	ID        string         `gorm:"primaryKey;type:text"`
	TenantID  string         `gorm:"primaryKey;type:text;index"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	Status    string         `gorm:"type:text;not null;index"`
	Response  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (requestRecord) TableName() string { return "request_records" }

// Store implements request.RecordStore.
type Store struct {
	db *gorm.DB
}

// Open connects with the postgres driver and migrates the table.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open record db: %w", err)
	}
	return New(ctx, db)
}

// New wraps an existing gorm handle and migrates the table.
func New(ctx context.Context, db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("record db required")
	}
	if err := db.WithContext(ctx).AutoMigrate(&requestRecord{}); err != nil {
		return nil, fmt.Errorf("migrate request_records: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Create(ctx context.Context, rec *request.Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("record %s already exists for tenant %s", rec.ID, rec.TenantID)
	}
	return nil
}

func (s *Store) FindByIDAndTenant(ctx context.Context, id, tenantID string) (*request.Record, error) {
	var row requestRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, request.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&row)
}

func (s *Store) UpdateStatusAndResponse(ctx context.Context, id, tenantID string, status request.RecordStatus, response json.RawMessage, updatedAt time.Time) error {
	updates := map[string]any{
		"status":     string(status),
		"response":   datatypes.JSON(response),
		"updated_at": updatedAt.UTC(),
	}
	if len(response) == 0 {
		updates["response"] = nil
	}
	res := s.db.WithContext(ctx).
		Model(&requestRecord{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return request.ErrNotFound
	}
	return nil
}

func toRow(rec *request.Record) (*requestRecord, error) {
	if rec == nil || rec.ID == "" || rec.TenantID == "" {
		return nil, fmt.Errorf("record id and tenant required")
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	now := time.Now().UTC()
	row := &requestRecord{
		ID:        rec.ID,
		TenantID:  rec.TenantID,
		Payload:   datatypes.JSON(payload),
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt.UTC(),
		UpdatedAt: rec.UpdatedAt.UTC(),
	}
	if len(rec.Response) > 0 {
		row.Response = datatypes.JSON(rec.Response)
	}
	if rec.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	return row, nil
}

func fromRow(row *requestRecord) (*request.Record, error) {
	rec := &request.Record{
		ID:        row.ID,
		TenantID:  row.TenantID,
		Status:    request.RecordStatus(row.Status),
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal(row.Payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", row.ID, err)
	}
	if len(row.Response) > 0 {
		rec.Response = json.RawMessage(row.Response)
	}
	return rec, nil
}
