package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SheetRow is one stored sheet row. Cells is a JSON array of strings.
type SheetRow struct {
	ID        int       `gorm:"primaryKey;autoIncrement"`
	Sheet     string    `gorm:"type:text;not null;index:idx_sheet_rows_position,priority:1"`
	Position  int       `gorm:"not null;index:idx_sheet_rows_position,priority:2"`
	Cells     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"type:timestamp with time zone"`
}

func (SheetRow) TableName() string {
	return "sheet_rows"
}

// GormSheets stores sheets in Postgres, one table row per sheet row.
type GormSheets struct {
	DB        *gorm.DB
	BatchSize int
}

// OpenPostgres connects to dsn and migrates the sheet_rows table.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&SheetRow{}); err != nil {
		return nil, fmt.Errorf("migrate sheet_rows: %w", err)
	}
	return db, nil
}

func NewGormSheets(db *gorm.DB, batchSize int) *GormSheets {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &GormSheets{DB: db, BatchSize: batchSize}
}

func (g *GormSheets) Rows(ctx context.Context, sheet string) ([][]string, error) {
	var stored []SheetRow
	if err := g.DB.WithContext(ctx).Where("sheet = ?", sheet).Order("position").Find(&stored).Error; err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(stored))
	for _, r := range stored {
		var cells []string
		if err := json.Unmarshal([]byte(r.Cells), &cells); err != nil {
			return nil, fmt.Errorf("decode row %d of %s: %w", r.Position, sheet, err)
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func (g *GormSheets) Clear(ctx context.Context, sheet string) error {
	return g.DB.WithContext(ctx).Where("sheet = ?", sheet).Delete(&SheetRow{}).Error
}

func (g *GormSheets) Append(ctx context.Context, sheet string, at int, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	batch := make([]SheetRow, len(rows))
	for i, r := range rows {
		if r == nil {
			r = []string{}
		}
		cells, err := json.Marshal(r)
		if err != nil {
			return err
		}
		batch[i] = SheetRow{Sheet: sheet, Position: at + i, Cells: string(cells), CreatedAt: now}
	}
	return g.DB.WithContext(ctx).CreateInBatches(batch, g.BatchSize).Error
}

// Transact runs fn inside one database transaction. Any error, or ctx ending
// before commit, rolls the whole write back.
func (g *GormSheets) Transact(ctx context.Context, fn func(tx Sheets) error) error {
	return g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormSheets{DB: tx, BatchSize: g.BatchSize})
	})
}
