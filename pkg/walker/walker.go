// Package walker implements BackupWalker, the external collaborator
// a rebuild pass calls into: for each post-v3 backup under a host, emit
// (digest, +1, compression_class) for every referenced content object.
// The backup tree's own wire format is otherwise out of scope; this
// package fixes a concrete, minimal layout (a per-backup "refs" manifest
// alongside a "backupInfo" version marker) so the rebuild path has
// something real to walk end to end.
package walker

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
)

// BackupInfo describes one backup instance under a host's directory.
type BackupInfo struct {
	Num     int
	Version int
	Path    string
}

// backupInfoFile is the JSON sidecar FileManifestWalker reads to learn a
// backup's format version.
type backupInfoFile struct {
	Version int `json:"Version"`
}

// PostV3 reports whether a backup's format version is new enough to
// carry the manifest FileManifestWalker understands. Pre-v4 backups
// predate the per-backup refs manifest and are skipped by the rebuild
// walk: a backup's manifest format only exists from version 4 onward.
func (b BackupInfo) PostV3() bool {
	return b.Version >= 4
}

// Walker is the BackupWalker collaborator interface: given a host's
// backups directory, call emit for every (digest, compressionClass) a
// surviving, post-v3 backup references.
type Walker interface {
	Walk(hostBackupsDir string, emit func(d poolid.Digest, compressionClass int) error) error
}

// FileManifestWalker is the default Walker: it lists numbered backup
// subdirectories, skips any whose backupInfo marks it pre-v4, and reads
// each survivor's "refs" file — one "<hex-digest> <class>" pair per
// line, one line per file reference (not deduplicated, since the
// reference count is exactly the number of occurrences).
type FileManifestWalker struct{}

// ListBackups returns the numbered backup directories under
// hostBackupsDir, sorted by backup number.
func ListBackups(hostBackupsDir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(hostBackupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read backups dir %s", hostBackupsDir)
	}

	var backups []BackupInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		num, err := strconv.Atoi(e.Name())
		if err != nil {
			continue // not a backup-number directory (e.g. "refCnt")
		}
		path := filepath.Join(hostBackupsDir, e.Name())
		version := readVersion(path)
		backups = append(backups, BackupInfo{Num: num, Version: version, Path: path})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Num < backups[j].Num })
	return backups, nil
}

func readVersion(backupDir string) int {
	b, err := os.ReadFile(filepath.Join(backupDir, "backupInfo"))
	if err != nil {
		return 0
	}
	var info backupInfoFile
	if err := json.Unmarshal(b, &info); err != nil {
		return 0
	}
	return info.Version
}

// Walk implements Walker.
func (FileManifestWalker) Walk(hostBackupsDir string, emit func(d poolid.Digest, compressionClass int) error) error {
	backups, err := ListBackups(hostBackupsDir)
	if err != nil {
		return err
	}
	for _, b := range backups {
		if !b.PostV3() {
			continue
		}
		if err := walkOne(b, emit); err != nil {
			return errors.Wrapf(err, "walk backup %d", b.Num)
		}
	}
	return nil
}

func walkOne(b BackupInfo, emit func(d poolid.Digest, compressionClass int) error) error {
	refsPath := filepath.Join(b.Path, "refs")
	f, err := os.Open(refsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "open %s", refsPath)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return errors.Errorf("%s:%d: malformed ref line %q", refsPath, lineNo, line)
		}
		d, err := poolid.Parse(fields[0])
		if err != nil {
			return errors.Wrapf(err, "%s:%d", refsPath, lineNo)
		}
		class, err := strconv.Atoi(fields[1])
		if err != nil || (class != 0 && class != 1) {
			return errors.Errorf("%s:%d: bad compression class %q", refsPath, lineNo, fields[1])
		}
		if err := emit(d, class); err != nil {
			return err
		}
	}
	return scanner.Err()
}
