package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"pasteir/pkg/domain"
)

type languageRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	DisplayName string `gorm:"column:displayname;not null"`
	Alias       string `gorm:"uniqueIndex;not null"`
}

func (languageRow) TableName() string { return "languages" }

type pasteRow struct {
	ID         string       `gorm:"primaryKey;size:6"`
	Created    time.Time    `gorm:"not null;index:idx_pastes_created_expires,priority:1"`
	Expires    *time.Time   `gorm:"index:idx_pastes_created_expires,priority:2;index:idx_pastes_expires"`
	OneTime    bool         `gorm:"not null;default:false;index:idx_pastes_one_time_views,priority:1"`
	ViewCount  int          `gorm:"not null;default:0;index:idx_pastes_one_time_views,priority:2"`
	Ciphertext string       `gorm:"type:text;not null"`
	Salt       *string      `gorm:"type:text"`
	IV         *string      `gorm:"column:iv;type:text"`
	LangID     *int64       `gorm:"column:lang_id"`
	Lang       *languageRow `gorm:"foreignKey:LangID;constraint:OnDelete:SET NULL"`
}

func (pasteRow) TableName() string { return "pastes" }

func (r *pasteRow) toDomain() *domain.Paste {
	p := &domain.Paste{
		ID:         r.ID,
		Created:    r.Created.UTC(),
		OneTime:    r.OneTime,
		ViewCount:  r.ViewCount,
		Ciphertext: r.Ciphertext,
	}
	if r.Expires != nil {
		t := r.Expires.UTC()
		p.Expires = &t
	}
	if r.Salt != nil {
		p.Salt = *r.Salt
	}
	if r.IV != nil {
		p.IV = *r.IV
	}
	if r.Lang != nil {
		p.Lang = &domain.Language{ID: r.Lang.ID, DisplayName: r.Lang.DisplayName, Alias: r.Lang.Alias}
	}
	return p
}
func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Postgres is the paste store for deployments that run a shared database server.
type Postgres struct {
	db           *gorm.DB
	queryTimeout time.Duration
}

func NewPostgres(dsn string, maxOpen, maxIdle int, queryTimeout time.Duration) (*Postgres, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "underlying sql db")
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	p := &Postgres{db: db, queryTimeout: queryTimeout}
	if err := p.migrate(); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return p, nil
}
func (p *Postgres) migrate() error {
	if err := p.db.AutoMigrate(&languageRow{}, &pasteRow{}); err != nil {
		return err
	}
	rows := make([]languageRow, 0, len(domain.DefaultLanguages))
	for _, l := range domain.DefaultLanguages {
		rows = append(rows, languageRow{DisplayName: l.DisplayName, Alias: l.Alias})
	}
	return p.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alias"}},
		DoNothing: true,
	}).Create(&rows).Error
}
func (p *Postgres) ctx(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	return p.db.WithContext(ctx), cancel
}
func (p *Postgres) Insert(ctx context.Context, paste *domain.Paste) error {
	db, cancel := p.ctx(ctx)
	defer cancel()
	row := pasteRow{
		ID:         paste.ID,
		Created:    paste.Created,
		Expires:    paste.Expires,
		OneTime:    paste.OneTime,
		ViewCount:  paste.ViewCount,
		Ciphertext: paste.Ciphertext,
		Salt:       optString(paste.Salt),
		IV:         optString(paste.IV),
		LangID:     paste.LangID(),
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(&row)
	if res.Error != nil {
		return domain.Transient("pg insert", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrDuplicateID
	}
	return nil
}
func (p *Postgres) Get(ctx context.Context, id string) (*domain.Paste, error) {
	db, cancel := p.ctx(ctx)
	defer cancel()
	var row pasteRow
	err := db.Preload("Lang").Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, domain.Transient("pg get", err)
	}
	return row.toDomain(), nil
}
func (p *Postgres) Exists(ctx context.Context, id string) (bool, error) {
	db, cancel := p.ctx(ctx)
	defer cancel()
	var n int64
	if err := db.Model(&pasteRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, domain.Transient("pg exists", err)
	}
	return n > 0, nil
}
func (p *Postgres) IncrementViewCount(ctx context.Context, id string) (int, error) {
	db, cancel := p.ctx(ctx)
	defer cancel()
	var counts []int
	err := db.Raw(`UPDATE pastes SET view_count = view_count + 1 WHERE id = ? RETURNING view_count`, id).
		Scan(&counts).Error
	if err != nil {
		return 0, domain.Transient("pg incr views", err)
	}
	if len(counts) == 0 {
		return 0, domain.ErrPasteNotFound
	}
	return counts[0], nil
}
func (p *Postgres) Delete(ctx context.Context, id string) (bool, error) {
	db, cancel := p.ctx(ctx)
	defer cancel()
	res := db.Where("id = ?", id).Delete(&pasteRow{})
	if res.Error != nil {
		return false, domain.Transient("pg delete", res.Error)
	}
	return res.RowsAffected > 0, nil
}
func (p *Postgres) FindExpiredOrExhausted(ctx context.Context, now time.Time, after string, limit int) ([]string, error) {
	db, cancel := p.ctx(ctx)
	defer cancel()
	var ids []string
	err := db.Model(&pasteRow{}).
		Where("id > ?", after).
		Where("(expires IS NOT NULL AND expires <= ?) OR (one_time AND view_count > 1)", now).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, domain.Transient("pg find reapable", err)
	}
	return ids, nil
}
func (p *Postgres) ListByIDs(ctx context.Context, ids []string) ([]domain.HistoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db, cancel := p.ctx(ctx)
	defer cancel()
	var rows []pasteRow
	err := db.Select("id", "created").Where("id IN ?", ids).Order("created DESC, id").Find(&rows).Error
	if err != nil {
		return nil, domain.Transient("pg list history", err)
	}
	out := make([]domain.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.HistoryEntry{ID: r.ID, Created: r.Created.UTC()})
	}
	return out, nil
}
func (p *Postgres) Languages(ctx context.Context) ([]domain.Language, error) {
	db, cancel := p.ctx(ctx)
	defer cancel()
	var rows []languageRow
	if err := db.Order("displayname").Find(&rows).Error; err != nil {
		return nil, domain.Transient("pg list languages", err)
	}
	out := make([]domain.Language, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Language{ID: r.ID, DisplayName: r.DisplayName, Alias: r.Alias})
	}
	return out, nil
}
func (p *Postgres) LanguageByAlias(ctx context.Context, alias string) (*domain.Language, error) {
	db, cancel := p.ctx(ctx)
	defer cancel()
	var rows []languageRow
	if err := db.Where("alias = ?", alias).Limit(1).Find(&rows).Error; err != nil {
		return nil, domain.Transient("pg language lookup", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &domain.Language{ID: rows[0].ID, DisplayName: rows[0].DisplayName, Alias: rows[0].Alias}, nil
}
func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return domain.Transient("pg ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return domain.Transient("pg ping", err)
	}
	return nil
}
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
