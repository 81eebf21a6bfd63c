// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

// Package topology loads and indexes the immutable server-fleet
// configuration and provides the HMAC signing primitive used for all
// inter-server authentication. A Fleet is built once at startup and is
// read-only for the process lifetime.
package topology

import (
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"

	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
	"github.com/minio/sha256-simd"
)

// ServerType identifies a server's role in the fleet.
type ServerType string

const (
	ServerTypeData  ServerType = "data"
	ServerTypeProxy ServerType = "proxy"
	ServerTypeWeb   ServerType = "web"
)

// BlockFileExt is the on-disk and URL extension for block files.
const BlockFileExt = ".blk"

// Server is one entry in the fleet configuration. Fields are immutable
// after load.
type Server struct {
	ID     string     `json:"id"`
	Type   ServerType `json:"type"`
	URL    string     `json:"url"`
	Secret string     `json:"secret"`

	// Sharding. A server with Shards == 0 is unsharded and serves all
	// blocks of its type. When sharded, ShardPrefix hex digits of the
	// block id select the shard: prefixInt % Shards == Shard.
	Shard       int `json:"shard"`
	Shards      int `json:"shards"`
	ShardPrefix int `json:"shard_prefix"`

	// Tier orders proxy servers; lower tiers are tried first.
	Tier int `json:"tier,omitempty"`

	// DataDirs lists the physical data directories of a data server.
	// Block prefixes are bucketed across them sequentially.
	DataDirs []string `json:"data_dirs,omitempty"`

	// secret decoded once at load time.
	secretBytes []byte
}

// ShardBuckets returns the number of distinct shard-prefix values for the
// server (16^prefixLen).
func (s *Server) ShardBuckets() int {
	n := 1
	for i := 0; i < PrefixLen(s); i++ {
		n *= 16
	}
	return n
}

// Fleet is the indexed, immutable server-fleet configuration.
type Fleet struct {
	servers map[string]*Server
	byType  map[ServerType][]*Server
}

// NewFleet validates and indexes a list of server records. It fails fast on
// any record violating the shard invariants so that a malformed fleet never
// reaches a request path.
func NewFleet(servers []*Server) (*Fleet, error) {
	f := &Fleet{
		servers: make(map[string]*Server, len(servers)),
		byType:  make(map[ServerType][]*Server),
	}

	for _, srv := range servers {
		if err := validateServer(srv); err != nil {
			return nil, err
		}

		secret, err := hex.DecodeString(srv.Secret)
		if err != nil {
			return nil, blockerr.Wrap(blockerr.KindConfigError, err,
				"server %s: secret is not valid hex", srv.ID)
		}
		srv.secretBytes = secret

		if _, dup := f.servers[srv.ID]; dup {
			return nil, blockerr.New(blockerr.KindConfigError,
				"duplicate server id %s", srv.ID)
		}
		f.servers[srv.ID] = srv
		f.byType[srv.Type] = append(f.byType[srv.Type], srv)
	}

	return f, nil
}

func validateServer(srv *Server) error {
	if srv.ID == "" {
		return blockerr.New(blockerr.KindConfigError, "server missing id")
	}
	switch srv.Type {
	case ServerTypeData, ServerTypeProxy, ServerTypeWeb:
	default:
		return blockerr.New(blockerr.KindConfigError,
			"server %s: unknown type %q", srv.ID, srv.Type)
	}
	if srv.URL == "" {
		return blockerr.New(blockerr.KindConfigError, "server %s: missing url", srv.ID)
	}
	if srv.Secret == "" {
		return blockerr.New(blockerr.KindConfigError, "server %s: missing secret", srv.ID)
	}
	if srv.Shards > 0 {
		if srv.ShardPrefix <= 0 {
			return blockerr.New(blockerr.KindConfigError,
				"server %s: sharded server requires shard_prefix", srv.ID)
		}
		if srv.ShardPrefix > MaxShardPrefix {
			return blockerr.New(blockerr.KindConfigError,
				"server %s: shard_prefix %d exceeds maximum %d",
				srv.ID, srv.ShardPrefix, MaxShardPrefix)
		}
		if srv.Shard < 0 || srv.Shard >= srv.Shards {
			return blockerr.New(blockerr.KindConfigError,
				"server %s: shard %d out of range [0,%d)", srv.ID, srv.Shard, srv.Shards)
		}
	} else if srv.ShardPrefix > 0 || srv.Shard != 0 {
		return blockerr.New(blockerr.KindConfigError,
			"server %s: shard assignment requires shards", srv.ID)
	}
	if srv.Type == ServerTypeData && len(srv.DataDirs) == 0 {
		return blockerr.New(blockerr.KindConfigError,
			"server %s: data server requires data_dirs", srv.ID)
	}
	return nil
}

// ServerByID returns the server record for an exact id.
func (f *Fleet) ServerByID(id string) (*Server, error) {
	srv, ok := f.servers[id]
	if !ok {
		return nil, blockerr.New(blockerr.KindNotFound, "unknown server id %s", id)
	}
	return srv, nil
}

// ServersByType returns all servers of the given type. When blockID is
// non-empty the result is narrowed to servers whose shard assignment covers
// that id; unsharded servers of the type are always included.
func (f *Fleet) ServersByType(t ServerType, blockID string) []*Server {
	servers := f.byType[t]
	if blockID == "" {
		return servers
	}

	var out []*Server
	for _, srv := range servers {
		if OwnsBlock(srv, blockID) {
			out = append(out, srv)
		}
	}
	return out
}

// PickDataServer selects one data server owning the block's shard, chosen
// at random among matches to spread load within the shard set.
func (f *Fleet) PickDataServer(blockID string) (*Server, error) {
	candidates := f.ServersByType(ServerTypeData, blockID)
	if len(candidates) == 0 {
		return nil, blockerr.New(blockerr.KindNotFound,
			"no data server covers block %s", blockID)
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// Sign computes the hex HMAC-SHA256 of data under the named server's
// secret. This is the sole authentication primitive in the network: there
// is no session state, so every privileged action carries a fresh signature
// over the exact fields being authorized.
func (f *Fleet) Sign(data string, serverID string) (string, error) {
	srv, err := f.ServerByID(serverID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, srv.secretBytes)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sig is the signature of data under the named
// server's secret. Comparison is constant time.
func (f *Fleet) Verify(data, sig, serverID string) (bool, error) {
	want, err := f.Sign(data, serverID)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(sig)), nil
}

// DownloadURL builds the canonical download URL for a block on the named
// server. Data servers use the sharded path layout, including a
// data-directory bucket segment when the server declares multiple physical
// data dirs. Other server types use the generic download endpoint.
func (f *Fleet) DownloadURL(class int, blockID, serverID string) (string, error) {
	srv, err := f.ServerByID(serverID)
	if err != nil {
		return "", err
	}

	if srv.Type != ServerTypeData {
		return fmt.Sprintf("%s/download?size=%d&blockId=%s", srv.URL, class, blockID), nil
	}

	prefix := blockID[:PrefixLen(srv)]
	prefixInt, err := strconv.ParseInt(prefix, 16, 64)
	if err != nil {
		return "", blockerr.Wrap(blockerr.KindInvalidInput, err,
			"block id prefix %q", prefix)
	}
	if !OwnsBlock(srv, blockID) {
		return "", blockerr.New(blockerr.KindInvalidInput,
			"server %s does not own shard for block %s", serverID, blockID)
	}

	if len(srv.DataDirs) > 1 {
		bucket := DataDirIndex(int(prefixInt), srv)
		return fmt.Sprintf("%s/download/%d/%s/%d/%s%s",
			srv.URL, bucket, prefix, class, blockID, BlockFileExt), nil
	}
	return fmt.Sprintf("%s/download/%s/%d/%s%s",
		srv.URL, prefix, class, blockID, BlockFileExt), nil
}

// downloadPathRegexp is the inverse of DownloadURL's data-server form.
// Clients and proxies parse (sizeClass, blockId) back out of URLs, so the
// path construction above and this pattern must stay in lockstep.
var downloadPathRegexp = regexp.MustCompile(
	`^/download(?:/\d+)?/[0-9a-f]+/(\d+)/([0-9a-f]{32})\.blk$`)

// ParseDownloadPath extracts (sizeClass, blockID) from a data-server
// download path.
func ParseDownloadPath(path string) (int, string, error) {
	m := downloadPathRegexp.FindStringSubmatch(path)
	if m == nil {
		return 0, "", blockerr.New(blockerr.KindInvalidInput,
			"malformed download path %q", path)
	}
	class, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", blockerr.Wrap(blockerr.KindInvalidInput, err,
			"size class in %q", path)
	}
	return class, m[2], nil
}
