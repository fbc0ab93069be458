package ledger

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

// Meta describes the run a ledger belongs to.
type Meta struct {
	RunID       string    `json:"run_id"`
	Seed        int64     `json:"seed"`
	TrialNumber int       `json:"trial_number"`
	Algorithm   string    `json:"algorithm,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists trial snapshots. Append is an upsert keyed by trial id;
// Load returns the latest snapshot of every trial in append order.
type Store interface {
	LoadMeta() (*Meta, error)
	SaveMeta(m *Meta) error
	Load() ([]*models.Trial, error)
	Append(t *models.Trial) error
	// Reset drops the metadata and every trial.
	Reset() error
	Close() error
}

// Dir returns the ledger directory of a workspace.
func Dir(workspace string) string {
	return filepath.Join(workspace, "ledger")
}

// OpenStore picks the store for dsn: empty for the JSON-lines file store
// under workspace/ledger, "sqlite://<path>" or "mysql://<dsn>" for SQL.
func OpenStore(workspace, dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NewFileStore(Dir(workspace))
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path != ":memory:" && !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		return NewSQLiteStore(path)
	case strings.HasPrefix(dsn, "mysql://"):
		return NewMySQLStore(strings.TrimPrefix(dsn, "mysql://"))
	}
	return nil, models.NewConfigError("generic.ledger_dsn", "unsupported ledger dsn %q", dsn)
}

// Exists reports whether dsn already holds a run.
func Exists(workspace, dsn string) (bool, error) {
	store, err := OpenStore(workspace, dsn)
	if err != nil {
		return false, err
	}
	defer store.Close()
	meta, err := store.LoadMeta()
	if err != nil {
		return false, fmt.Errorf("read ledger meta: %w", err)
	}
	return meta != nil, nil
}

// Reset empties the ledger behind dsn so a new run can start over.
func Reset(workspace, dsn string) error {
	store, err := OpenStore(workspace, dsn)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Reset(); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	return nil
}
