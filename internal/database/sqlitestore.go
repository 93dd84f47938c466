// internal/database/sqlitestore.go - SQLite registry backend
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const hostsTableSchema = `
create table if not exists hosts (
	device_id text primary key,
	host_name text not null default '',
	stargate text not null default '',
	location text not null default '-',
	arch text not null default '',
	status text not null default '',
	online_notification text not null default 'done',
	first_online_timestamp integer
);
create table if not exists map_locations (
	explorer_location text primary key,
	latitude real not null,
	longitude real not null,
	retrieved_address text not null default '',
	resolved_at integer not null
);
create table if not exists registered (
	device_token text primary key,
	chat_id integer not null,
	created_at integer not null
);
`

// hostColumnUpgrades lists columns added after the first layout, with the
// definition used to add them to an existing table.
var hostColumnUpgrades = []struct {
	name       string
	definition string
}{
	{"online_notification", "online_notification text not null default 'done'"},
	{"first_online_timestamp", "first_online_timestamp integer"},
}

const hostColumns = "device_id, host_name, stargate, location, arch, status, online_notification, first_online_timestamp"

type SQLiteStore struct {
	db   *sql.DB
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// Keep operations serialized; a cycle's transaction holds the only connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{`pragma journal_mode=WAL;`, `pragma busy_timeout=5000;`} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// EnsureSchema creates the tables if needed and adds any host column that an
// older file is missing. Existing rows take the column default.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, hostsTableSchema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	cols, err := fetchColumns(ctx, s.db, "hosts")
	if err != nil {
		return err
	}
	for _, col := range hostColumnUpgrades {
		if _, ok := cols[col.name]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, "alter table hosts add column "+col.definition); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
		logrus.WithField("column", col.name).Info("Upgraded registry schema")
	}
	return nil
}

func fetchColumns(ctx context.Context, db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, "select name from pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = struct{}{}
	}
	return cols, rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanHost(scan func(dest ...any) error) (Host, error) {
	var h Host
	var state string
	var ts sql.NullInt64
	if err := scan(&h.DeviceID, &h.HostName, &h.Stargate, &h.Location, &h.Arch, &h.Status, &state, &ts); err != nil {
		return h, err
	}
	h.OnlineNotification = NotificationState(state)
	if ts.Valid {
		v := ts.Int64
		h.FirstOnlineTimestamp = &v
	}
	return h, nil
}

func queryHosts(ctx context.Context, q queryer) ([]Host, error) {
	rows, err := q.QueryContext(ctx, "select "+hostColumns+" from hosts order by rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows.Scan)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

func (s *SQLiteStore) All(ctx context.Context) ([]Host, error) {
	return queryHosts(ctx, s.db)
}

func (s *SQLiteStore) GetHosts(ctx context.Context, filters HostFilters) ([]Host, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	hosts := make([]Host, 0, len(all))
	for _, h := range all {
		if filters.Match(h) {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

func (s *SQLiteStore) GetHost(ctx context.Context, deviceID string) (*Host, error) {
	row := s.db.QueryRowContext(ctx, "select "+hostColumns+" from hosts where device_id = ?", deviceID)
	h, err := scanHost(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// withTx runs fn in one transaction, committing only if fn succeeds.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, hosts []Host, state NotificationState, firstOnline *int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return sqlInsert(ctx, tx, hosts, state, firstOnline)
	})
}

func (s *SQLiteStore) RefreshMutableFields(ctx context.Context, hosts []Host) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return sqlRefresh(ctx, tx, hosts)
	})
}

func (s *SQLiteStore) MarkConfirmedOnline(ctx context.Context, deviceIDs []string, now int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return sqlConfirm(ctx, tx, deviceIDs, now)
	})
}

func (s *SQLiteStore) RebuildFrom(ctx context.Context, hosts []Host) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return sqlRebuild(ctx, tx, hosts)
	})
}

func (s *SQLiteStore) Apply(ctx context.Context, plan *MutationPlan) error {
	if plan.Empty() {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if plan.Rebuild {
			return sqlRebuild(ctx, tx, plan.Replacement)
		}
		if err := sqlRefresh(ctx, tx, plan.Refresh); err != nil {
			return err
		}
		if err := sqlConfirm(ctx, tx, plan.ConfirmOnline, plan.Timestamp); err != nil {
			return err
		}
		if err := sqlInsert(ctx, tx, plan.InsertPending, NotificationPending, nil); err != nil {
			return err
		}
		ts := plan.Timestamp
		return sqlInsert(ctx, tx, plan.InsertOnline, NotificationDone, &ts)
	})
	return persistenceError("apply", err)
}

func sqlInsert(ctx context.Context, tx *sql.Tx, batch []Host, state NotificationState, firstOnline *int64) error {
	if len(batch) == 0 {
		return nil
	}
	if err := checkBatchUnique(batch); err != nil {
		return err
	}
	for _, h := range batch {
		var exists int
		err := tx.QueryRowContext(ctx, "select 1 from hosts where device_id = ?", h.DeviceID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, h.DeviceID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}

	stmt, err := tx.PrepareContext(ctx, "insert into hosts("+hostColumns+") values(?,?,?,?,?,?,?,?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, h := range batch {
		h = stamp(h, state, firstOnline)
		var ts sql.NullInt64
		if h.FirstOnlineTimestamp != nil {
			ts = sql.NullInt64{Int64: *h.FirstOnlineTimestamp, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, h.DeviceID, h.HostName, h.Stargate, h.Location, h.Arch, h.Status, string(h.OnlineNotification), ts); err != nil {
			return fmt.Errorf("failed to insert host %s: %w", h.DeviceID, err)
		}
	}
	return nil
}

func sqlRefresh(ctx context.Context, tx *sql.Tx, batch []Host) error {
	if len(batch) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, "update hosts set host_name = ?, stargate = ?, location = ?, arch = ?, status = ? where device_id = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, h := range batch {
		if _, err := stmt.ExecContext(ctx, h.HostName, h.Stargate, h.Location, h.Arch, h.Status, h.DeviceID); err != nil {
			return fmt.Errorf("failed to refresh host %s: %w", h.DeviceID, err)
		}
	}
	return nil
}

func sqlConfirm(ctx context.Context, tx *sql.Tx, deviceIDs []string, now int64) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `update hosts set online_notification = ?, first_online_timestamp = ?
		where device_id = ? and online_notification = ? and first_online_timestamp is null`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range deviceIDs {
		if _, err := stmt.ExecContext(ctx, string(NotificationDone), now, id, string(NotificationPending)); err != nil {
			return fmt.Errorf("failed to confirm host %s: %w", id, err)
		}
	}
	return nil
}

func sqlRebuild(ctx context.Context, tx *sql.Tx, replacement []Host) error {
	if err := checkBatchUnique(replacement); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "delete from hosts"); err != nil {
		return fmt.Errorf("failed to clear hosts: %w", err)
	}
	return sqlInsert(ctx, tx, replacement, NotificationDone, nil)
}

func (s *SQLiteStore) GetLocation(ctx context.Context, explorerLocation string) (*Location, error) {
	var loc Location
	var resolved int64
	err := s.db.QueryRowContext(ctx,
		"select explorer_location, latitude, longitude, retrieved_address, resolved_at from map_locations where explorer_location = ?",
		explorerLocation).Scan(&loc.ExplorerLocation, &loc.Latitude, &loc.Longitude, &loc.RetrievedAddress, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLocationNotFound
	}
	if err != nil {
		return nil, err
	}
	loc.ResolvedAt = time.Unix(resolved, 0).UTC()
	return &loc, nil
}

func (s *SQLiteStore) Locations(ctx context.Context) ([]Location, error) {
	rows, err := s.db.QueryContext(ctx,
		"select explorer_location, latitude, longitude, retrieved_address, resolved_at from map_locations order by explorer_location")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		var loc Location
		var resolved int64
		if err := rows.Scan(&loc.ExplorerLocation, &loc.Latitude, &loc.Longitude, &loc.RetrievedAddress, &resolved); err != nil {
			return nil, err
		}
		loc.ResolvedAt = time.Unix(resolved, 0).UTC()
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

func (s *SQLiteStore) PutLocations(ctx context.Context, locations []Location) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, loc := range locations {
			_, err := tx.ExecContext(ctx, `insert into map_locations(explorer_location, latitude, longitude, retrieved_address, resolved_at)
				values(?,?,?,?,?)
				on conflict(explorer_location) do update set latitude = excluded.latitude, longitude = excluded.longitude,
					retrieved_address = excluded.retrieved_address, resolved_at = excluded.resolved_at`,
				loc.ExplorerLocation, loc.Latitude, loc.Longitude, loc.RetrievedAddress, loc.ResolvedAt.Unix())
			if err != nil {
				return fmt.Errorf("failed to store location %q: %w", loc.ExplorerLocation, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Subscribe(ctx context.Context, sub *Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, `insert into registered(device_token, chat_id, created_at) values(?,?,?)
		on conflict(device_token) do update set chat_id = excluded.chat_id`,
		sub.DeviceToken, sub.ChatID, sub.CreatedAt.Unix())
	return err
}

func (s *SQLiteStore) Unsubscribe(ctx context.Context, deviceToken string) error {
	res, err := s.db.ExecContext(ctx, "delete from registered where device_token = ?", deviceToken)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *SQLiteStore) Subscriber(ctx context.Context, deviceToken string) (*Subscription, error) {
	var sub Subscription
	var created int64
	err := s.db.QueryRowContext(ctx, "select device_token, chat_id, created_at from registered where device_token = ?", deviceToken).
		Scan(&sub.DeviceToken, &sub.ChatID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.CreatedAt = time.Unix(created, 0).UTC()
	return &sub, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Backend: BackendSQLite, SchemaVersion: CurrentSchemaVersion}

	hosts, err := s.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get database stats: %w", err)
	}
	countStates(hosts, stats)

	if err := s.db.QueryRowContext(ctx, "select count(*) from map_locations").Scan(&stats.Locations); err != nil {
		return nil, fmt.Errorf("failed to count locations: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "select count(*) from registered").Scan(&stats.Subscriptions); err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
