// Package config carries the engine's environment: TopDir/PoolDir/CPoolDir,
// the nightly full-scan period, log verbosity, and the host list — populated
// from a JSON config file, with the host list read from TopDir/conf/hosts.
package config

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
)

// Config holds the values the maintenance engine needs from its
// environment. PoolSizeNightlyUpdatePeriod must be one of
// {0,1,2,4,8,16}; 0 disables the periodic full scan.
type Config struct {
	TopDir                      string `json:"TopDir"`
	PoolDir                     string `json:"PoolDir"`
	CPoolDir                    string `json:"CPoolDir"`
	PoolSizeNightlyUpdatePeriod int    `json:"PoolSizeNightlyUpdatePeriod"`
	XferLogLevel                int    `json:"XferLogLevel"`

	// Hosts is resolved separately via LoadHosts, not serialized here:
	// the host list lives in TopDir/conf/hosts, not the JSON config.
	Hosts []string `json:"-"`
}

// validPeriods are the only values allowed for the full-scan phase modulus.
var validPeriods = map[int]bool{0: true, 1: true, 2: true, 4: true, 8: true, 16: true}

// Validate checks invariants a malformed config file could violate.
func (c *Config) Validate() error {
	if c.TopDir == "" {
		return errors.New("TopDir must be set")
	}
	if c.PoolDir == "" {
		return errors.New("PoolDir must be set")
	}
	if !validPeriods[c.PoolSizeNightlyUpdatePeriod] {
		return errors.Errorf("PoolSizeNightlyUpdatePeriod must be one of 0,1,2,4,8,16, got %d", c.PoolSizeNightlyUpdatePeriod)
	}
	return nil
}

// LoadConfig reads a JSON config file into cfg: read, unmarshal, nothing
// fancier.
func LoadConfig(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// SaveConfig writes cfg as JSON to path, mirroring config.SaveConfig.
func SaveConfig(cfg Config, path string) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return os.WriteFile(path, b, 0644)
}

// LoadHosts reads TopDir/conf/hosts: one hostname per line, blank lines
// and '#'-comments skipped. This is the "host list enumeration"
// the engine treats as an external collaborator, given a concrete,
// minimal reading here so the repository runs end to end.
func LoadHosts(topDir string) ([]string, error) {
	path := filepath.Join(topDir, "conf", "hosts")
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open host list %s", path)
	}
	defer f.Close()

	var hosts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		hosts = append(hosts, fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "scan host list %s", path)
	}
	return hosts, nil
}

// HostDir returns the per-host refCnt directory.
func (c *Config) HostDir(host string) string {
	return filepath.Join(c.TopDir, "pc", host, "refCnt")
}

// HostBackupsDir returns the directory holding a host's numbered backup
// trees, siblings of its refCnt directory.
func (c *Config) HostBackupsDir(host string) string {
	return filepath.Join(c.TopDir, "pc", host)
}

// PoolShardDir returns the top-shard directory for compression class c
// and shard id s.
func (c *Config) PoolShardDir(compressionClass int, shard int) string {
	base := c.PoolDir
	if compressionClass == 1 {
		base = c.CPoolDir
	}
	return filepath.Join(base, poolid.ShardHex(shard))
}

// PoolSubShardDir returns the sub-shard directory under a top shard.
func (c *Config) PoolSubShardDir(compressionClass int, shard int, subShard int) string {
	return filepath.Join(c.PoolShardDir(compressionClass, shard), poolid.ShardHex(subShard))
}

// PoolObjectPath returns the full path of the pool object file for d in
// compressionClass: <poolDir>/<shard>/<subShard>/<hex digest>.
func (c *Config) PoolObjectPath(compressionClass int, d poolid.Digest) string {
	return filepath.Join(c.PoolSubShardDir(compressionClass, d.Shard(), d.SubShard()), d.String())
}

// HostShardFileName returns a host's per-shard file base name,
// poolCnt.<c>.<ss>, before the "New" infix or any staging suffix.
func HostShardFileName(compressionClass int, shard int) string {
	return "poolCnt." + strconv.Itoa(compressionClass) + "." + poolid.ShardHex(shard)
}

// HostShardPath returns a host's authoritative shard file path.
func (c *Config) HostShardPath(host string, compressionClass int, shard int) string {
	return filepath.Join(c.HostDir(host), HostShardFileName(compressionClass, shard))
}

// HostShardNewPath returns a host's transient "poolCntNew" shard file
// path, staged during a pass before being renamed over HostShardPath.
func (c *Config) HostShardNewPath(host string, compressionClass int, shard int) string {
	return filepath.Join(c.HostDir(host), "poolCntNew."+strconv.Itoa(compressionClass)+"."+poolid.ShardHex(shard))
}

// PoolShardCntPath returns the pool's own authoritative count file for
// one (class, shard): a single "poolCnt" file living inside that shard's
// own directory (the directory itself supplies the shard coordinate, so
// no suffix is needed the way host shard files need one).
func (c *Config) PoolShardCntPath(compressionClass int, shard int) string {
	return filepath.Join(c.PoolShardDir(compressionClass, shard), "poolCnt")
}

// PoolShardLockPath returns the shard lock file path for a pool shard
// directory.
func (c *Config) PoolShardLockPath(compressionClass int, shard int) string {
	return filepath.Join(c.PoolShardDir(compressionClass, shard), "LOCK")
}

// HostLockPath returns the host lock file path.
func (c *Config) HostLockPath(host string) string {
	return filepath.Join(c.HostDir(host), "LOCK")
}
