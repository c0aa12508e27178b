package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lox/covidcanada/internal/models"
)

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

func New(db *sql.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log.Named("store")}
}

// SeedProvinces replaces the stored province table.
func (s *Store) SeedProvinces(table models.ProvinceTable) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM provinces`); err != nil {
		return fmt.Errorf("clear provinces: %w", err)
	}
	for _, p := range table {
		if _, err := tx.Exec(`INSERT INTO provinces (id, name, code) VALUES (?, ?, ?)`, p.ID, p.Name, p.Code); err != nil {
			return fmt.Errorf("insert province %d: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetProvinces() (models.ProvinceTable, error) {
	rows, err := s.db.Query(`SELECT id, name, COALESCE(code, '') FROM provinces ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var table models.ProvinceTable
	for rows.Next() {
		var p models.Province
		if err := rows.Scan(&p.ID, &p.Name, &p.Code); err != nil {
			return nil, err
		}
		table = append(table, p)
	}
	return table, rows.Err()
}

// SaveDataset stores ds as the current dataset, replacing any earlier one in a
// single transaction.
func (s *Store) SaveDataset(ds models.Dataset) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var firstWeek, lastWeek sql.NullString
	if len(ds.Weeks) > 0 {
		firstWeek = sql.NullString{String: ds.Weeks[0], Valid: true}
		lastWeek = sql.NullString{String: ds.Weeks[len(ds.Weeks)-1], Valid: true}
	}

	fetchedAt := ds.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	result, err := tx.Exec(`
		INSERT INTO datasets (fetched_at, record_count, week_count, first_week, last_week)
		VALUES (?, ?, ?, ?, ?)
	`, fetchedAt.UTC(), len(ds.Records), len(ds.Weeks), firstWeek, lastWeek)
	if err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO case_records (dataset_id, seq, province_name, date, total_cases, weekly_cases)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range ds.Records {
		if _, err := stmt.Exec(id, i, r.ProvinceName, r.Date, r.TotalCases, r.WeeklyCases); err != nil {
			return fmt.Errorf("insert record %d: %w", i, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM case_records WHERE dataset_id <> ?`, id); err != nil {
		return fmt.Errorf("delete old records: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM datasets WHERE id <> ?`, id); err != nil {
		return fmt.Errorf("delete old datasets: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.log.Info("saved dataset", zap.Int64("dataset_id", id), zap.Int("records", len(ds.Records)))
	return nil
}

// LatestDataset returns the stored dataset in its original record order, or
// nil if nothing has been stored. Weeks is left empty for the caller to rebuild.
func (s *Store) LatestDataset() (*models.Dataset, error) {
	var id int64
	var fetchedAt time.Time
	err := s.db.QueryRow(`SELECT id, fetched_at FROM datasets ORDER BY id DESC LIMIT 1`).Scan(&id, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT province_name, date, total_cases, weekly_cases
		FROM case_records
		WHERE dataset_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ds := &models.Dataset{FetchedAt: fetchedAt}
	for rows.Next() {
		var r models.CaseRecord
		if err := rows.Scan(&r.ProvinceName, &r.Date, &r.TotalCases, &r.WeeklyCases); err != nil {
			return nil, err
		}
		ds.Records = append(ds.Records, r)
	}
	return ds, rows.Err()
}

// ClearDataset removes the stored dataset so a later start has nothing to
// warm from.
func (s *Store) ClearDataset() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM case_records`); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM datasets`)
	if err != nil {
		return fmt.Errorf("delete datasets: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		s.log.Info("cleared stored dataset")
	}
	return nil
}
