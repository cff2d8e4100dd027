// Package deltalog reads the per-host, per-compression-class delta files
// that backup runs deposit, and the DeltaFileInit/Flush writer a rebuild
// walk uses to produce fresh ones. Both are read-once/write-once
// collaborators; HostReconciler owns ordering and deletion.
package deltalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/poolrefcnt/poolrefcnt/pkg/countfile"
	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
)

// namePattern matches poolCntDelta_<class>_<suffix>.
var namePattern = regexp.MustCompile(`^poolCntDelta_([01])_`)

// File describes one on-disk delta file.
type File struct {
	Path             string
	CompressionClass int
}

// List returns the delta files present in hostDir, in the order the
// directory listing returns them. Delta application is commutative, so
// no ordering requirement is imposed on correctness — only on progress
// reporting, which the caller derives from len(List()).
func List(hostDir string) ([]File, error) {
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		return nil, errors.Wrapf(err, "read dir %s", hostDir)
	}

	var files []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := namePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		class, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		files = append(files, File{
			Path:             filepath.Join(hostDir, e.Name()),
			CompressionClass: class,
		})
	}
	return files, nil
}

// Load reads f's contents into a DeltaMap representing its net delta.
// The on-disk shape reuses countfile's binary table format, but unlike a
// durable shard file, a delta file's per-digest totals may legitimately
// be negative (a backup deleted more references to a digest than it
// added before being folded against existing counts), so Load must not
// clamp them the way reading a CountMap does.
func Load(f File) (*countfile.DeltaMap, error) {
	dm, err := countfile.LoadDelta(f.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "load delta file %s", f.Path)
	}
	return dm, nil
}

// Delete removes f from disk. Called only after the host's new shard
// files derived from it have been written without error.
func Delete(f File) error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete delta file %s", f.Path)
	}
	return nil
}

// Writer accumulates digest deltas for one compression class during a
// rebuild walk and flushes them as a fresh delta file, standing in for
// the backup-run-side DeltaFileInit/Flush collaborator: BackupWalker
// emits through the same writer a normal backup deposit would use.
type Writer struct {
	hostDir          string
	compressionClass int
	suffix           string
	dm               *countfile.DeltaMap
}

// Init opens a new delta writer for hostDir/class. suffix disambiguates
// concurrent writers (e.g. a per-pass uuid) so that two rebuild passes
// never collide on a file name.
func Init(hostDir string, compressionClass int, suffix string) *Writer {
	return &Writer{
		hostDir:          hostDir,
		compressionClass: compressionClass,
		suffix:           suffix,
		dm:               countfile.NewDelta(),
	}
}

// Emit records one (digest, +1) observation from the walk.
func (w *Writer) Emit(d poolid.Digest) {
	w.dm.Incr(d, 1)
}

// Flush writes the accumulated deltas to hostDir as a
// poolCntDelta_<class>_<suffix> file and returns its File descriptor.
// An empty accumulation still produces a file, for consistency with a
// real backup run that always deposits a delta file per class it
// touched.
func (w *Writer) Flush() (File, error) {
	name := fmt.Sprintf("poolCntDelta_%d_%s", w.compressionClass, w.suffix)
	path := filepath.Join(w.hostDir, name)
	if err := countfile.WriteDelta(w.dm, path, ".tmp"); err != nil {
		return File{}, errors.Wrapf(err, "flush delta file %s", path)
	}
	return File{Path: path, CompressionClass: w.compressionClass}, nil
}

// IsDeltaFileName reports whether name matches the delta file naming
// convention, for callers (e.g. fsck marker discovery) that need to
// distinguish delta files from other host-directory entries without a
// full List() call.
func IsDeltaFileName(name string) bool {
	return strings.HasPrefix(name, "poolCntDelta_")
}
