package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/glkvm-cloud/device-console/internal/domain"
	bolt "go.etcd.io/bbolt"
)

const (
	deviceBucket = "devices"
	macBucket    = "device_macs"
)

// boltStore implements a Store backed by BoltDB. Devices are JSON values keyed by
// device id; a second bucket maps normalized mac to device id.
type boltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// openBolt initializes a BoltDB-backed Store.
func openBolt(path string, opts Options) (Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{deviceBucket, macBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &boltStore{db: db, now: opts.Now}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage directory: %w", err)
		}
	}
	return nil
}

// Close closes the BoltDB store.
func (b *boltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// SaveDevice upserts a device, keeping the first create time and mac index in sync.
func (b *boltStore) SaveDevice(_ context.Context, meta DeviceMeta) error {
	meta, err := prepare(meta)
	if err != nil {
		return err
	}
	now := b.now().Unix()

	return b.db.Update(func(tx *bolt.Tx) error {
		devices, macs, err := buckets(tx)
		if err != nil {
			return err
		}

		if meta.Mac != "" {
			if owner := macs.Get([]byte(meta.Mac)); owner != nil && string(owner) != meta.DeviceID {
				return ErrMacConflict
			}
		}

		existing, err := decodeMeta(devices.Get([]byte(meta.DeviceID)))
		if err != nil {
			return err
		}
		meta.CreateTime = now
		if existing != nil {
			meta.CreateTime = existing.CreateTime
			if existing.Mac != "" && existing.Mac != meta.Mac {
				if err := macs.Delete([]byte(existing.Mac)); err != nil {
					return err
				}
			}
		}
		meta.UpdateTime = now

		if meta.Mac != "" {
			if err := macs.Put([]byte(meta.Mac), []byte(meta.DeviceID)); err != nil {
				return err
			}
		}
		return putMeta(devices, meta)
	})
}

// DeviceByID returns the device with the given id or nil.
func (b *boltStore) DeviceByID(_ context.Context, id string) (*DeviceMeta, error) {
	var out *DeviceMeta
	err := b.db.View(func(tx *bolt.Tx) error {
		devices, _, err := buckets(tx)
		if err != nil {
			return err
		}
		out, err = decodeMeta(devices.Get([]byte(id)))
		return err
	})
	return out, err
}

// DeviceByMac resolves the mac index and returns the owning device or nil.
func (b *boltStore) DeviceByMac(_ context.Context, mac string) (*DeviceMeta, error) {
	mac = domain.NormalizeMac(mac)
	if mac == "" {
		return nil, nil
	}

	var out *DeviceMeta
	err := b.db.View(func(tx *bolt.Tx) error {
		devices, macs, err := buckets(tx)
		if err != nil {
			return err
		}
		id := macs.Get([]byte(mac))
		if id == nil {
			return nil
		}
		out, err = decodeMeta(devices.Get(id))
		return err
	})
	return out, err
}

// ListDevices scans all devices, filters by keyword and sorts by create time.
func (b *boltStore) ListDevices(_ context.Context, keyword string) ([]DeviceMeta, error) {
	list := make([]DeviceMeta, 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		devices, _, err := buckets(tx)
		if err != nil {
			return err
		}
		return devices.ForEach(func(_, v []byte) error {
			meta, err := decodeMeta(v)
			if err != nil {
				return err
			}
			if meta != nil && matchesKeyword(*meta, keyword) {
				list = append(list, *meta)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreateTime != list[j].CreateTime {
			return list[i].CreateTime < list[j].CreateTime
		}
		return list[i].DeviceID < list[j].DeviceID
	})
	return list, nil
}

// UpdateDescription changes a device description.
func (b *boltStore) UpdateDescription(_ context.Context, id, description string) error {
	now := b.now().Unix()
	return b.db.Update(func(tx *bolt.Tx) error {
		devices, _, err := buckets(tx)
		if err != nil {
			return err
		}
		meta, err := decodeMeta(devices.Get([]byte(id)))
		if err != nil {
			return err
		}
		if meta == nil {
			return ErrNotFound
		}
		meta.Description = description
		meta.UpdateTime = now
		return putMeta(devices, *meta)
	})
}

// DeleteDevice removes a device and its mac index entry.
func (b *boltStore) DeleteDevice(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		devices, macs, err := buckets(tx)
		if err != nil {
			return err
		}
		meta, err := decodeMeta(devices.Get([]byte(id)))
		if err != nil {
			return err
		}
		if meta == nil {
			return ErrNotFound
		}
		if meta.Mac != "" {
			if err := macs.Delete([]byte(meta.Mac)); err != nil {
				return err
			}
		}
		return devices.Delete([]byte(id))
	})
}

func buckets(tx *bolt.Tx) (*bolt.Bucket, *bolt.Bucket, error) {
	devices := tx.Bucket([]byte(deviceBucket))
	macs := tx.Bucket([]byte(macBucket))
	if devices == nil || macs == nil {
		return nil, nil, fmt.Errorf("device buckets missing")
	}
	return devices, macs, nil
}

func putMeta(bucket *bolt.Bucket, meta DeviceMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode device %s: %w", meta.DeviceID, err)
	}
	return bucket.Put([]byte(meta.DeviceID), raw)
}

// decodeMeta returns nil for a missing value.
func decodeMeta(raw []byte) (*DeviceMeta, error) {
	if raw == nil {
		return nil, nil
	}
	var meta DeviceMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode device record: %w", err)
	}
	return &meta, nil
}
