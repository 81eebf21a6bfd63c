// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the BlockNet abstraction over the Redis store that
// maps block ids to owning servers and holds credit, user, and replace
// state. Each (purpose x size-class) namespace lives in its own logical
// Redis DB so block maps, counters, and tokens never collide.
//
// All mutation is single-key atomic (SETNX, SET, DECRBY); the design
// deliberately avoids multi-key transactions so the store can be
// partitioned horizontally.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/blocknet/pkg/block"
	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"

	"github.com/redis/go-redis/v9"
)

// reservedSentinel marks a block id that is reserved but not yet committed.
// The stored value is "U,<unix-seconds>"; the timestamp lets the sweeper
// reap abandoned reservations.
const reservedSentinel = "U"

// serverIDRegexp matches a committed server id. The sentinel "U" is not
// lowercase hex, so reserved entries can never parse as committed.
var serverIDRegexp = regexp.MustCompile(`^[0-9a-f]+$`)

// Record is a committed or reserved block entry.
type Record struct {
	ID      string
	Class   int
	Servers []string

	// Reserved is set when the entry holds the upload-in-progress
	// sentinel. ReservedAt is the reservation time when recorded.
	Reserved   bool
	ReservedAt time.Time
}

// Config holds Redis connection settings for all registry namespaces.
// Block-server maps use DB BlockDBBase+class; the remaining namespaces get
// their own DBs, mirroring the per-purpose DB split of the store layout.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	PoolSize int    `mapstructure:"pool_size"`

	BlockDBBase    int `mapstructure:"block_db_base"`
	CreditDB       int `mapstructure:"credit_db"`
	UserDB         int `mapstructure:"user_db"`
	ReplaceDB      int `mapstructure:"replace_db"`
	ReplaceTokenDB int `mapstructure:"replace_token_db"`
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           "localhost:6379",
		PoolSize:       10,
		BlockDBBase:    1,
		CreditDB:       8,
		UserDB:         9,
		ReplaceDB:      10,
		ReplaceTokenDB: 11,
	}
}

// Registry wraps the Redis clients for every namespace.
type Registry struct {
	blocks       []*redis.Client // indexed by size class
	credit       *redis.Client
	users        *redis.Client
	replace      *redis.Client
	replaceToken *redis.Client
}

// New connects all registry namespaces and verifies connectivity.
func New(cfg Config) (*Registry, error) {
	newClient := func(db int) *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       db,
			PoolSize: cfg.PoolSize,
		})
	}

	r := &Registry{
		credit:       newClient(cfg.CreditDB),
		users:        newClient(cfg.UserDB),
		replace:      newClient(cfg.ReplaceDB),
		replaceToken: newClient(cfg.ReplaceTokenDB),
	}
	for class := range block.SizeClasses {
		r.blocks = append(r.blocks, newClient(cfg.BlockDBBase+class))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.blocks[0].Ping(ctx).Err(); err != nil {
		return nil, blockerr.Wrap(blockerr.KindUnavailable, err, "redis connect %s", cfg.Addr)
	}

	return r, nil
}

// NewWithClients builds a registry from existing clients. Test seam: the
// registry tests run every namespace against one miniredis instance.
func NewWithClients(blocks []*redis.Client, credit, users, replace, replaceToken *redis.Client) *Registry {
	return &Registry{
		blocks:       blocks,
		credit:       credit,
		users:        users,
		replace:      replace,
		replaceToken: replaceToken,
	}
}

func (r *Registry) Close() error {
	var errs []error
	for _, c := range r.blocks {
		errs = append(errs, c.Close())
	}
	errs = append(errs, r.credit.Close(), r.users.Close(), r.replace.Close(), r.replaceToken.Close())
	return errors.Join(errs...)
}

func (r *Registry) blockClient(class int) (*redis.Client, error) {
	if class < 0 || class >= len(r.blocks) {
		return nil, blockerr.New(blockerr.KindInvalidInput, "invalid size class %d", class)
	}
	return r.blocks[class], nil
}

// Reserve atomically claims a block id with the upload-in-progress
// sentinel. At most one reservation can ever succeed per (class, id); a
// lost race or an already-committed id reports Conflict.
func (r *Registry) Reserve(ctx context.Context, class int, blockID string, now time.Time) error {
	client, err := r.blockClient(class)
	if err != nil {
		return err
	}

	value := fmt.Sprintf("%s,%d", reservedSentinel, now.Unix())
	ok, err := client.SetNX(ctx, blockID, value, 0).Result()
	if err != nil {
		registryOps.WithLabelValues("reserve", "error").Inc()
		return blockerr.Wrap(blockerr.KindUnavailable, err, "reserve %d/%s", class, blockID)
	}
	if !ok {
		registryOps.WithLabelValues("reserve", "conflict").Inc()
		return blockerr.New(blockerr.KindConflict, "block %d/%s already claimed", class, blockID)
	}
	registryOps.WithLabelValues("reserve", "ok").Inc()
	return nil
}

// Commit overwrites the block entry with its owning server list. The
// caller must have verified the entry is reserved and the commit is
// authorized.
func (r *Registry) Commit(ctx context.Context, class int, blockID string, serverIDs []string) error {
	client, err := r.blockClient(class)
	if err != nil {
		return err
	}
	if len(serverIDs) == 0 {
		return blockerr.New(blockerr.KindInvalidInput, "commit %d/%s with no servers", class, blockID)
	}
	for _, id := range serverIDs {
		if !serverIDRegexp.MatchString(id) {
			return blockerr.New(blockerr.KindInvalidInput, "invalid server id %q", id)
		}
	}

	if err := client.Set(ctx, blockID, strings.Join(serverIDs, ","), 0).Err(); err != nil {
		registryOps.WithLabelValues("commit", "error").Inc()
		return blockerr.Wrap(blockerr.KindUnavailable, err, "commit %d/%s", class, blockID)
	}
	registryOps.WithLabelValues("commit", "ok").Inc()
	return nil
}

// Lookup returns the block entry, or nil when absent. Reserved entries are
// returned with Reserved set; readers treat them as "not yet available".
// Malformed stored values decode as absent rather than failing the read.
func (r *Registry) Lookup(ctx context.Context, class int, blockID string) (*Record, error) {
	client, err := r.blockClient(class)
	if err != nil {
		return nil, err
	}

	value, err := client.Get(ctx, blockID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		registryOps.WithLabelValues("lookup", "error").Inc()
		return nil, blockerr.Wrap(blockerr.KindUnavailable, err, "lookup %d/%s", class, blockID)
	}
	registryOps.WithLabelValues("lookup", "ok").Inc()
	return decodeRecord(class, blockID, value), nil
}

// LookupMulti fetches entries for many ids in one pipelined round trip.
// The result is positional; missing, reserved, and malformed entries are
// nil.
func (r *Registry) LookupMulti(ctx context.Context, class int, blockIDs []string) ([]*Record, error) {
	client, err := r.blockClient(class)
	if err != nil {
		return nil, err
	}
	if len(blockIDs) == 0 {
		return nil, nil
	}

	pipe := client.Pipeline()
	cmds := make([]*redis.StringCmd, len(blockIDs))
	for i, id := range blockIDs {
		cmds[i] = pipe.Get(ctx, id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		registryOps.WithLabelValues("lookup_multi", "error").Inc()
		return nil, blockerr.Wrap(blockerr.KindUnavailable, err, "lookup multi %d", class)
	}
	registryOps.WithLabelValues("lookup_multi", "ok").Inc()

	records := make([]*Record, len(blockIDs))
	for i, cmd := range cmds {
		value, err := cmd.Result()
		if err != nil {
			continue
		}
		rec := decodeRecord(class, blockIDs[i], value)
		if rec != nil && !rec.Reserved {
			records[i] = rec
		}
	}
	return records, nil
}

// SampleRandom returns up to n distinct committed records of the given
// class, drawn via the store's random-key primitive. Reserved and
// malformed entries are filtered out, so the result may be shorter than n.
func (r *Registry) SampleRandom(ctx context.Context, class, n int) ([]*Record, error) {
	client, err := r.blockClient(class)
	if err != nil {
		return nil, err
	}

	pipe := client.Pipeline()
	cmds := make([]*redis.StringCmd, n)
	for i := range cmds {
		cmds[i] = pipe.RandomKey(ctx)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, blockerr.Wrap(blockerr.KindUnavailable, err, "random keys %d", class)
	}

	seen := make(map[string]bool, n)
	var ids []string
	for _, cmd := range cmds {
		id, err := cmd.Result()
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	records, err := r.LookupMulti(ctx, class, ids)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, rec := range records {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SweepReservations deletes reservations older than maxAge. An abandoned
// publish otherwise blocks its content-addressed id forever; this reaper is
// a deliberate hardening over the original protocol. Returns the number of
// reservations reaped.
func (r *Registry) SweepReservations(ctx context.Context, class int, maxAge time.Duration, now time.Time) (int, error) {
	client, err := r.blockClient(class)
	if err != nil {
		return 0, err
	}

	reaped := 0
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, "*", 100).Result()
		if err != nil {
			return reaped, blockerr.Wrap(blockerr.KindUnavailable, err, "scan class %d", class)
		}

		for _, key := range keys {
			value, err := client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			rec := decodeRecord(class, key, value)
			if rec == nil || !rec.Reserved || rec.ReservedAt.IsZero() {
				continue
			}
			if now.Sub(rec.ReservedAt) < maxAge {
				continue
			}
			// Reservation may commit between GET and DEL; guard the
			// delete on the exact reserved value still being present.
			deleted, err := staleReservationScript.Run(ctx, client, []string{key}, value).Int()
			if err == nil && deleted == 1 {
				reaped++
				registryOps.WithLabelValues("sweep", "reaped").Inc()
			}
		}

		cursor = next
		if cursor == 0 {
			return reaped, nil
		}
	}
}

// staleReservationScript deletes key only if it still holds the expected
// reserved value, making the sweep safe against a concurrent commit.
var staleReservationScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

func decodeRecord(class int, blockID, value string) *Record {
	parts := strings.Split(value, ",")
	if len(parts) == 0 || parts[0] == "" {
		return nil
	}

	if parts[0] == reservedSentinel {
		rec := &Record{ID: blockID, Class: class, Reserved: true}
		if len(parts) > 1 {
			if unix, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				rec.ReservedAt = time.Unix(unix, 0)
			}
		}
		return rec
	}

	for _, id := range parts {
		if !serverIDRegexp.MatchString(id) {
			// Corrupt or partial entry. Read paths must never fail on
			// stored garbage; treat as absent.
			return nil
		}
	}
	return &Record{ID: blockID, Class: class, Servers: parts}
}
