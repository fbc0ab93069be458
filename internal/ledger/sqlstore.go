package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

// TrialRow is the SQL form of a trial snapshot.
type TrialRow struct {
	ID         uint   `gorm:"primarykey"`
	TrialID    int    `gorm:"uniqueIndex;not null"`
	State      string `gorm:"type:varchar(16);not null;index"`
	Params     string `gorm:"type:text"`
	Objective  *float64
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
	StartedAt  *time.Time
	EndedAt    *time.Time
	Slot       int
	RetryCount int
	OriginID   *int
	JobID      string `gorm:"type:varchar(64)"`
	ExitCode   int
	Error      string `gorm:"type:text"`
}

func (TrialRow) TableName() string { return "hpo_trials" }

// MetaRow is the single row describing the run.
type MetaRow struct {
	ID          uint   `gorm:"primarykey"`
	RunID       string `gorm:"type:varchar(64);not null"`
	Seed        int64
	TrialNumber int
	Algorithm   string    `gorm:"type:varchar(32)"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

func (MetaRow) TableName() string { return "hpo_meta" }

// SQLStore keeps the ledger in a SQL database through gorm.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens a sqlite database file.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return openSQL(sqlite.Open(path))
}

// NewMySQLStore opens a MySQL database, e.g.
// "user:pass@tcp(127.0.0.1:3306)/hpo?parseTime=True".
func NewMySQLStore(dsn string) (*SQLStore, error) {
	return openSQL(mysql.Open(dsn))
}

func openSQL(dialector gorm.Dialector) (*SQLStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if err := db.AutoMigrate(&MetaRow{}, &TrialRow{}); err != nil {
		return nil, fmt.Errorf("migrate ledger database: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) LoadMeta() (*Meta, error) {
	var row MetaRow
	err := s.db.Order("id").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Meta{
		RunID:       row.RunID,
		Seed:        row.Seed,
		TrialNumber: row.TrialNumber,
		Algorithm:   row.Algorithm,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

func (s *SQLStore) SaveMeta(m *Meta) error {
	row := MetaRow{
		ID:          1,
		RunID:       m.RunID,
		Seed:        m.Seed,
		TrialNumber: m.TrialNumber,
		Algorithm:   m.Algorithm,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	return s.db.Save(&row).Error
}

func (s *SQLStore) Load() ([]*models.Trial, error) {
	var rows []TrialRow
	if err := s.db.Order("trial_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load trials: %w", err)
	}
	out := make([]*models.Trial, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTrial()
		if err != nil {
			return nil, &models.LedgerCorruption{Path: "hpo_trials", Line: row.TrialID + 1, Reason: "unreadable row", Err: err}
		}
		out = append(out, t)
	}
	return out, nil
}

// Append upserts the row for t.ID.
func (s *SQLStore) Append(t *models.Trial) error {
	row, err := trialToRow(t)
	if err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trial_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *SQLStore) Reset() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&TrialRow{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&MetaRow{}).Error
	})
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func trialToRow(t *models.Trial) (TrialRow, error) {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return TrialRow{}, fmt.Errorf("encode params of trial %d: %w", t.ID, err)
	}
	return TrialRow{
		TrialID:    t.ID,
		State:      string(t.State),
		Params:     string(params),
		Objective:  t.Objective,
		CreatedAt:  t.CreatedAt,
		StartedAt:  timePtr(t.StartedAt),
		EndedAt:    timePtr(t.EndedAt),
		Slot:       t.Slot,
		RetryCount: t.RetryCount,
		OriginID:   t.OriginID,
		JobID:      t.JobID,
		ExitCode:   t.ExitCode,
		Error:      t.Error,
	}, nil
}

func (r TrialRow) toTrial() (*models.Trial, error) {
	state := models.TrialState(r.State)
	if !state.Valid() {
		return nil, fmt.Errorf("unknown state %q", r.State)
	}
	var params models.Assignment
	if r.Params != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(r.Params)))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return nil, err
		}
	}
	t := &models.Trial{
		ID:         r.TrialID,
		Params:     params,
		State:      state,
		Objective:  r.Objective,
		CreatedAt:  r.CreatedAt,
		Slot:       r.Slot,
		RetryCount: r.RetryCount,
		OriginID:   r.OriginID,
		JobID:      r.JobID,
		ExitCode:   r.ExitCode,
		Error:      r.Error,
	}
	if r.StartedAt != nil {
		t.StartedAt = *r.StartedAt
	}
	if r.EndedAt != nil {
		t.EndedAt = *r.EndedAt
	}
	return t, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
