// internal/database/boltstore.go - BoltDB registry backend
package database

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

var (
	HostsBucket         = []byte("hosts")
	HostOrderBucket     = []byte("host_order")
	LocationsBucket     = []byte("locations")
	SubscriptionsBucket = []byte("subscriptions")
	MetaBucket          = []byte("meta")

	schemaVersionKey = []byte("schema_version")
)

// hostRecord is the stored value of a host. Seq points back into the
// host_order bucket, which keeps All() in first-seen order.
type hostRecord struct {
	Host
	Seq uint64 `json:"seq,omitempty"`
}

type BoltStore struct {
	db   *bbolt.DB
	path string
}

func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store := &BoltStore{db: db, path: path}

	if err := store.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// EnsureSchema creates missing buckets and upgrades rows written by older
// layouts: rows without a notification state become done with a null
// timestamp, rows without an order entry are appended in key order.
func (s *BoltStore) EnsureSchema(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{HostsBucket, HostOrderBucket, LocationsBucket, SubscriptionsBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket(MetaBucket)
		version := 0
		if v := meta.Get(schemaVersionKey); v != nil {
			parsed, err := strconv.Atoi(string(v))
			if err != nil {
				return fmt.Errorf("invalid schema version %q: %w", v, err)
			}
			version = parsed
		}
		if version >= CurrentSchemaVersion {
			return nil
		}

		upgraded, err := upgradeHostRecords(tx)
		if err != nil {
			return err
		}
		if upgraded > 0 {
			logrus.WithFields(logrus.Fields{
				"from_version": version,
				"to_version":   CurrentSchemaVersion,
				"rows":         upgraded,
			}).Info("Upgraded registry schema")
		}

		return meta.Put(schemaVersionKey, []byte(strconv.Itoa(CurrentSchemaVersion)))
	})
}

func upgradeHostRecords(tx *bbolt.Tx) (int, error) {
	hosts := tx.Bucket(HostsBucket)
	order := tx.Bucket(HostOrderBucket)

	var records []hostRecord
	err := hosts.ForEach(func(k, v []byte) error {
		var rec hostRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal host %s: %w", k, err)
		}
		if rec.DeviceID == "" {
			rec.DeviceID = string(k)
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return 0, err
	}

	upgraded := 0
	for _, rec := range records {
		changed := false
		if rec.OnlineNotification == "" {
			rec.OnlineNotification = NotificationDone
			rec.FirstOnlineTimestamp = nil
			changed = true
		}
		if rec.Seq == 0 {
			seq, err := order.NextSequence()
			if err != nil {
				return 0, err
			}
			if err := order.Put(seqKey(seq), []byte(rec.DeviceID)); err != nil {
				return 0, err
			}
			rec.Seq = seq
			changed = true
		}
		if !changed {
			continue
		}
		if err := putRecord(hosts, rec); err != nil {
			return 0, err
		}
		upgraded++
	}
	return upgraded, nil
}

func (s *BoltStore) All(ctx context.Context) ([]Host, error) {
	var hosts []Host
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		hosts, err = txAllHosts(tx)
		return err
	})
	return hosts, err
}

func (s *BoltStore) GetHosts(ctx context.Context, filters HostFilters) ([]Host, error) {
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

func (s *BoltStore) GetHost(ctx context.Context, deviceID string) (*Host, error) {
	var host *Host
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx.Bucket(HostsBucket), deviceID)
		if err != nil {
			return err
		}
		host = &rec.Host
		return nil
	})
	if err != nil {
		return nil, err
	}
	return host, nil
}

func (s *BoltStore) Insert(ctx context.Context, hosts []Host, state NotificationState, firstOnline *int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return txInsert(tx, hosts, state, firstOnline)
	})
}

func (s *BoltStore) RefreshMutableFields(ctx context.Context, hosts []Host) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return txRefresh(tx, hosts)
	})
}

func (s *BoltStore) MarkConfirmedOnline(ctx context.Context, deviceIDs []string, now int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return txConfirm(tx, deviceIDs, now)
	})
}

func (s *BoltStore) RebuildFrom(ctx context.Context, hosts []Host) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return txRebuild(tx, hosts)
	})
}

// Apply commits a cycle's plan inside one bbolt write transaction. Any error
// rolls the whole plan back.
func (s *BoltStore) Apply(ctx context.Context, plan *MutationPlan) error {
	if plan.Empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return persistenceError("apply", err)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if plan.Rebuild {
			return txRebuild(tx, plan.Replacement)
		}
		if err := txRefresh(tx, plan.Refresh); err != nil {
			return err
		}
		if err := txConfirm(tx, plan.ConfirmOnline, plan.Timestamp); err != nil {
			return err
		}
		if err := txInsert(tx, plan.InsertPending, NotificationPending, nil); err != nil {
			return err
		}
		ts := plan.Timestamp
		return txInsert(tx, plan.InsertOnline, NotificationDone, &ts)
	})
	return persistenceError("apply", err)
}

func txAllHosts(tx *bbolt.Tx) ([]Host, error) {
	hosts := tx.Bucket(HostsBucket)
	order := tx.Bucket(HostOrderBucket)

	var result []Host
	c := order.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		rec, err := getRecord(hosts, string(v))
		if err == ErrHostNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, rec.Host)
	}
	return result, nil
}

func txInsert(tx *bbolt.Tx, batch []Host, state NotificationState, firstOnline *int64) error {
	if len(batch) == 0 {
		return nil
	}
	if err := checkBatchUnique(batch); err != nil {
		return err
	}

	hosts := tx.Bucket(HostsBucket)
	order := tx.Bucket(HostOrderBucket)

	for _, h := range batch {
		if hosts.Get([]byte(h.DeviceID)) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, h.DeviceID)
		}
	}

	for _, h := range batch {
		seq, err := order.NextSequence()
		if err != nil {
			return err
		}
		if err := order.Put(seqKey(seq), []byte(h.DeviceID)); err != nil {
			return err
		}
		rec := hostRecord{Host: stamp(h, state, firstOnline), Seq: seq}
		if err := putRecord(hosts, rec); err != nil {
			return err
		}
	}
	return nil
}

func txRefresh(tx *bbolt.Tx, batch []Host) error {
	hosts := tx.Bucket(HostsBucket)
	for _, h := range batch {
		rec, err := getRecord(hosts, h.DeviceID)
		if err == ErrHostNotFound {
			continue
		}
		if err != nil {
			return err
		}
		rec.HostName = h.HostName
		rec.Stargate = h.Stargate
		rec.Location = h.Location
		rec.Arch = h.Arch
		rec.Status = h.Status
		if err := putRecord(hosts, rec); err != nil {
			return err
		}
	}
	return nil
}

func txConfirm(tx *bbolt.Tx, deviceIDs []string, now int64) error {
	hosts := tx.Bucket(HostsBucket)
	for _, id := range deviceIDs {
		rec, err := getRecord(hosts, id)
		if err == ErrHostNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if !rec.Pending() {
			continue
		}
		ts := now
		rec.OnlineNotification = NotificationDone
		rec.FirstOnlineTimestamp = &ts
		if err := putRecord(hosts, rec); err != nil {
			return err
		}
	}
	return nil
}

func txRebuild(tx *bbolt.Tx, replacement []Host) error {
	if err := checkBatchUnique(replacement); err != nil {
		return err
	}
	for _, name := range [][]byte{HostsBucket, HostOrderBucket} {
		if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
			return fmt.Errorf("failed to drop bucket %s: %w", name, err)
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return fmt.Errorf("failed to recreate bucket %s: %w", name, err)
		}
	}
	return txInsert(tx, replacement, NotificationDone, nil)
}

func getRecord(b *bbolt.Bucket, deviceID string) (hostRecord, error) {
	var rec hostRecord
	v := b.Get([]byte(deviceID))
	if v == nil {
		return rec, ErrHostNotFound
	}
	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, fmt.Errorf("failed to unmarshal host %s: %w", deviceID, err)
	}
	return rec, nil
}

func putRecord(b *bbolt.Bucket, rec hostRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal host: %w", err)
	}
	return b.Put([]byte(rec.DeviceID), data)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (s *BoltStore) GetLocation(ctx context.Context, explorerLocation string) (*Location, error) {
	var loc Location
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(LocationsBucket).Get([]byte(explorerLocation))
		if v == nil {
			return ErrLocationNotFound
		}
		return json.Unmarshal(v, &loc)
	})
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

func (s *BoltStore) Locations(ctx context.Context) ([]Location, error) {
	var locations []Location
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(LocationsBucket).ForEach(func(k, v []byte) error {
			var loc Location
			if err := json.Unmarshal(v, &loc); err != nil {
				return fmt.Errorf("failed to unmarshal location %s: %w", k, err)
			}
			locations = append(locations, loc)
			return nil
		})
	})
	return locations, err
}

func (s *BoltStore) PutLocations(ctx context.Context, locations []Location) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(LocationsBucket)
		for _, loc := range locations {
			data, err := json.Marshal(loc)
			if err != nil {
				return fmt.Errorf("failed to marshal location: %w", err)
			}
			if err := b.Put([]byte(loc.ExplorerLocation), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Subscribe(ctx context.Context, sub *Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = nowUTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}
		return tx.Bucket(SubscriptionsBucket).Put([]byte(sub.DeviceToken), data)
	})
}

func (s *BoltStore) Unsubscribe(ctx context.Context, deviceToken string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(SubscriptionsBucket)
		if b.Get([]byte(deviceToken)) == nil {
			return ErrSubscriptionNotFound
		}
		return b.Delete([]byte(deviceToken))
	})
}

func (s *BoltStore) Subscriber(ctx context.Context, deviceToken string) (*Subscription, error) {
	var sub Subscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(SubscriptionsBucket).Get([]byte(deviceToken))
		if v == nil {
			return ErrSubscriptionNotFound
		}
		return json.Unmarshal(v, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *BoltStore) Stats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Backend: BackendBolt}

	err := s.db.View(func(tx *bbolt.Tx) error {
		hosts, err := txAllHosts(tx)
		if err != nil {
			return err
		}
		countStates(hosts, stats)
		stats.Locations = tx.Bucket(LocationsBucket).Stats().KeyN
		stats.Subscriptions = tx.Bucket(SubscriptionsBucket).Stats().KeyN
		if v := tx.Bucket(MetaBucket).Get(schemaVersionKey); v != nil {
			stats.SchemaVersion, _ = strconv.Atoi(string(v))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get database stats: %w", err)
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}
	return stats, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
