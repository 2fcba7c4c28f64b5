package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glkvm-cloud/device-console/internal/domain"
)

// Package storage persists device metadata.

var (
	// ErrNotFound is returned when an update or delete matches no device.
	ErrNotFound = errors.New("device not found")
	// ErrMacConflict is returned when a MAC address already belongs to another device.
	ErrMacConflict = errors.New("mac address already registered to another device")
)

// Store persists device metadata records keyed by device id.
type Store interface {
	Close() error
	// SaveDevice inserts or updates a device. CreateTime is kept on update.
	SaveDevice(ctx context.Context, meta DeviceMeta) error
	// DeviceByID returns (nil, nil) when the device does not exist.
	DeviceByID(ctx context.Context, id string) (*DeviceMeta, error)
	// DeviceByMac normalizes mac first and returns (nil, nil) when absent.
	DeviceByMac(ctx context.Context, mac string) (*DeviceMeta, error)
	// ListDevices returns every device ordered by creation time when keyword is
	// empty, otherwise devices whose id or mac equals keyword or whose description
	// contains it.
	ListDevices(ctx context.Context, keyword string) ([]DeviceMeta, error)
	UpdateDescription(ctx context.Context, id, description string) error
	DeleteDevice(ctx context.Context, id string) error
}

// Options tunes concrete store implementations.
type Options struct {
	OpenTimeout time.Duration
	// Now overrides the clock used for create/update timestamps.
	Now func() time.Time
}

const (
	TypeSQLite = "sqlite"
	TypeBBolt  = "bbolt"

	defaultOpenTimeout = time.Second
)

// NewStore creates the configured storage backend.
func NewStore(typ, path string, opts Options) (Store, error) {
	typ = strings.TrimSpace(strings.ToLower(typ))
	opts = normalizeOptions(opts)

	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%s storage requires a path", typ)
	}

	switch typ {
	case "", TypeSQLite:
		return openSQLite(path, opts)
	case TypeBBolt:
		return openBolt(path, opts)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", typ)
	}
}

func normalizeOptions(opts Options) Options {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

// prepare trims identifiers and normalizes the mac before persistence.
func prepare(meta DeviceMeta) (DeviceMeta, error) {
	meta.DeviceID = strings.TrimSpace(meta.DeviceID)
	if meta.DeviceID == "" {
		return meta, errors.New("device id is required")
	}
	meta.Mac = domain.NormalizeMac(meta.Mac)
	meta.IP = strings.TrimSpace(meta.IP)
	return meta, nil
}

// matchesKeyword mirrors the SQL filter used by the sqlite backend, where LIKE
// ignores ASCII case.
func matchesKeyword(meta DeviceMeta, keyword string) bool {
	if keyword == "" {
		return true
	}
	return meta.DeviceID == keyword ||
		(meta.Mac != "" && meta.Mac == domain.NormalizeMac(keyword)) ||
		strings.Contains(strings.ToLower(meta.Description), strings.ToLower(keyword))
}
