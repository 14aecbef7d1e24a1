// Package registry persists site registrations in SQLite so that doors
// can be rebuilt after a restart without re-fetching upstream specs.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite"

	"github.com/kaylacar/agent-door/internal/domain/site"
)

// ErrNotFound is returned when a slug has no stored registration.
var ErrNotFound = errors.New("registration not found")

const schema = `
CREATE TABLE IF NOT EXISTS site_registrations (
	slug          TEXT PRIMARY KEY,
	site_name     TEXT NOT NULL,
	site_url      TEXT NOT NULL,
	api_url       TEXT NOT NULL,
	open_api_url  TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	rate_limit    INTEGER NOT NULL,
	spec_json     BLOB NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
`

// Store is the durable registration catalog. All methods are safe for
// concurrent use; database/sql serializes access to the single file.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (or creates) the registration database under dir. A database
// that fails to open or migrate is moved aside and recreated empty, so a
// corrupt file degrades to a cold start instead of a crash loop.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, "registrations.db")

	db, err := openAndMigrate(path)
	if err != nil {
		logger.Warn("registration database unusable, recreating",
			"path", path, "error", err)
		if moveErr := quarantine(path); moveErr != nil {
			return nil, fmt.Errorf("quarantine corrupt database: %w", moveErr)
		}
		db, err = openAndMigrate(path)
		if err != nil {
			return nil, fmt.Errorf("recreate database: %w", err)
		}
	}

	return &Store{db: db, path: path, logger: logger}, nil
}

func openAndMigrate(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}

// quarantine moves a broken database (and its WAL sidecars) out of the
// way so a fresh one can be created at the same path.
func quarantine(path string) error {
	stamp := time.Now().UTC().Format("20060102T150405")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		src := path + suffix
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, src+".corrupt."+stamp); err != nil {
			return err
		}
	}
	return nil
}

// Register stores a registration together with the raw spec it was
// compiled from. Registering an existing slug replaces the stored row.
func (s *Store) Register(reg site.Registration, specJSON []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO site_registrations
			(slug, site_name, site_url, api_url, open_api_url, description, rate_limit, spec_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			site_name = excluded.site_name,
			site_url = excluded.site_url,
			api_url = excluded.api_url,
			open_api_url = excluded.open_api_url,
			description = excluded.description,
			rate_limit = excluded.rate_limit,
			spec_json = excluded.spec_json,
			created_at = excluded.created_at`,
		reg.Slug, reg.SiteName, reg.SiteURL, reg.APIURL, reg.OpenAPIURL,
		reg.Description, reg.RateLimit, specJSON, reg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("store registration: %w", err)
	}
	s.logger.Info("registration stored",
		"slug", reg.Slug,
		"spec_fingerprint", fmt.Sprintf("%016x", xxhash.Sum64(specJSON)),
		"spec_bytes", len(specJSON))
	return nil
}

// Get returns the stored registration for slug, or ErrNotFound.
func (s *Store) Get(slug string) (site.Registration, error) {
	row := s.db.QueryRow(`
		SELECT slug, site_name, site_url, api_url, open_api_url, description, rate_limit, created_at
		FROM site_registrations WHERE slug = ?`, slug)
	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return site.Registration{}, ErrNotFound
	}
	if err != nil {
		return site.Registration{}, fmt.Errorf("load registration: %w", err)
	}
	return reg, nil
}

// List returns all registrations in registration order.
func (s *Store) List() ([]site.Registration, error) {
	rows, err := s.db.Query(`
		SELECT slug, site_name, site_url, api_url, open_api_url, description, rate_limit, created_at
		FROM site_registrations ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var regs []site.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registrations: %w", err)
	}
	return regs, nil
}

// StoredSite is a registration with the raw spec it was registered with,
// as needed to rebuild its door.
type StoredSite struct {
	Registration site.Registration
	SpecJSON     []byte
}

// ListWithSpecs returns every stored site with its raw spec, in
// registration order. Used at startup to restore doors.
func (s *Store) ListWithSpecs() ([]StoredSite, error) {
	rows, err := s.db.Query(`
		SELECT slug, site_name, site_url, api_url, open_api_url, description, rate_limit, created_at, spec_json
		FROM site_registrations ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list stored sites: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sites []StoredSite
	for rows.Next() {
		var st StoredSite
		r := &st.Registration
		if err := rows.Scan(&r.Slug, &r.SiteName, &r.SiteURL, &r.APIURL, &r.OpenAPIURL,
			&r.Description, &r.RateLimit, &r.CreatedAt, &st.SpecJSON); err != nil {
			return nil, fmt.Errorf("scan stored site: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		sites = append(sites, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stored sites: %w", err)
	}
	return sites, nil
}

// Delete removes a registration. It reports whether the slug existed.
func (s *Store) Delete(slug string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM site_registrations WHERE slug = ?`, slug)
	if err != nil {
		return false, fmt.Errorf("delete registration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete registration: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of stored registrations.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM site_registrations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count registrations: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row scanner) (site.Registration, error) {
	var reg site.Registration
	err := row.Scan(&reg.Slug, &reg.SiteName, &reg.SiteURL, &reg.APIURL,
		&reg.OpenAPIURL, &reg.Description, &reg.RateLimit, &reg.CreatedAt)
	if err != nil {
		return site.Registration{}, err
	}
	reg.CreatedAt = reg.CreatedAt.UTC()
	return reg, nil
}
