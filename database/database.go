// Package database persists the small amount of state that outlives a
// session: last-used export settings and the last-used signature image,
// keyed by fixed string identifiers.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// Fixed keys for persisted state.
const (
	keyExportSettings = "export_settings"
	keySignatureImage = "signature_image"
)

// ExportSettings are the user's last-used export preferences.
type ExportSettings struct {
	FilenamePrefix string  `json:"filenamePrefix"`
	Format         string  `json:"format"`
	Quality        float64 `json:"quality"`
	AutoCapture    bool    `json:"autoCapture"`
}

// DefaultExportSettings is the fallback when nothing is stored or the stored
// row does not decode.
func DefaultExportSettings() ExportSettings {
	return ExportSettings{
		FilenamePrefix: "page",
		Format:         "png",
		Quality:        0.92,
		AutoCapture:    true,
	}
}

// Setting is one persisted key/value row.
type Setting struct {
	bun.BaseModel `bun:"table:settings,alias:s"`

	Key       string    `bun:"key,pk"`
	Value     string    `bun:"value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Repository is the persisted-settings store.
type Repository interface {
	FetchExportSettings() ExportSettings
	SaveExportSettings(settings ExportSettings) error
	FetchSignature() string
	SaveSignature(dataURL string) error
	Close() error
}

// BunDB implements Repository using Bun ORM over sqlite
type BunDB struct {
	db *bun.DB
}

// NewRepository opens (creating if needed) the sqlite settings database.
func NewRepository(databasePath string) (*BunDB, error) {
	if dir := filepath.Dir(databasePath); dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("unable to create folder for settings database: %w", err)
		}
	}

	connectionString := fmt.Sprintf("file:%s?cache=shared&mode=rwc", databasePath)
	sqlDB, err := sql.Open(sqliteshim.ShimName, connectionString)
	if err != nil {
		return nil, fmt.Errorf("unable to open settings database: %w", err)
	}

	db := bun.NewDB(sqlDB, sqlitedialect.New())
	// Option to turn on verbose logging just returns failures otherwise
	db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(false)))

	ctx := context.Background()
	if _, err := db.NewCreateTable().Model((*Setting)(nil)).IfNotExists().Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to create settings table: %w", err)
	}

	return &BunDB{db: db}, nil
}

// Close closes the database connection
func (b *BunDB) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *BunDB) fetchValue(key string) (string, bool) {
	ctx := context.Background()
	setting := new(Setting)
	err := b.db.NewSelect().Model(setting).Where("key = ?", key).Scan(ctx)
	if err != nil {
		return "", false
	}
	return setting.Value, true
}

func (b *BunDB) saveValue(key, value string) error {
	ctx := context.Background()
	setting := &Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	_, err := b.db.NewInsert().
		Model(setting).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// FetchExportSettings reads the stored export settings. Absent or corrupt
// rows fall back to documented defaults and never fail.
func (b *BunDB) FetchExportSettings() ExportSettings {
	raw, ok := b.fetchValue(keyExportSettings)
	if !ok {
		return DefaultExportSettings()
	}
	var settings ExportSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		if Logger != nil {
			Logger.Warn("Stored export settings do not decode, using defaults", "error", err)
		}
		return DefaultExportSettings()
	}
	if settings.Format != "png" && settings.Format != "jpeg" {
		settings.Format = DefaultExportSettings().Format
	}
	if settings.FilenamePrefix == "" {
		settings.FilenamePrefix = DefaultExportSettings().FilenamePrefix
	}
	return settings
}

// SaveExportSettings stores the export settings.
func (b *BunDB) SaveExportSettings(settings ExportSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return b.saveValue(keyExportSettings, string(raw))
}

// FetchSignature reads the last-used signature image data URL, or "" when
// none is stored.
func (b *BunDB) FetchSignature() string {
	raw, _ := b.fetchValue(keySignatureImage)
	return raw
}

// SaveSignature stores the last-used signature image data URL.
func (b *BunDB) SaveSignature(dataURL string) error {
	return b.saveValue(keySignatureImage, dataURL)
}
