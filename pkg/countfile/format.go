package countfile

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
)

var magic = [4]byte{'P', 'C', 'N', '1'}

// ErrCorrupt is returned by Read when a count file's contents cannot be
// parsed as a well-formed table (bad magic, truncated record, or CRC
// mismatch).
var ErrCorrupt = errors.New("corrupt count file")

// Exists reports whether path names an existing regular file, letting
// callers stat-guard a Read: a missing count file is not itself an
// error.
func Exists(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat %s", path)
	}
	return !fi.IsDir(), nil
}

// decodePairs is the low-level binary reader shared by CountMap and
// DeltaMap: it imposes no sign policy, just parses the (digest, count)
// records a writeTable call produced and verifies the trailing CRC.
func decodePairs(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	crc := crc32.NewIEEE()
	tee := io.TeeReader(r, crc)

	var gotMagic [4]byte
	if _, err := io.ReadFull(tee, gotMagic[:]); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %v", path, err)
	}
	if gotMagic != magic {
		return nil, errors.Wrapf(ErrCorrupt, "%s: bad magic", path)
	}

	var count uint32
	if err := binary.Read(tee, binary.BigEndian, &count); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %v", path, err)
	}

	pairs := make([]Pair, 0, count)
	for i := uint32(0); i < count; i++ {
		var dlen uint8
		if err := binary.Read(tee, binary.BigEndian, &dlen); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "%s: entry %d: %v", path, i, err)
		}
		digest := make(poolid.Digest, dlen)
		if _, err := io.ReadFull(tee, digest); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "%s: entry %d: %v", path, i, err)
		}
		var val int64
		if err := binary.Read(tee, binary.BigEndian, &val); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "%s: entry %d: %v", path, i, err)
		}
		pairs = append(pairs, Pair{Digest: digest, Count: val})
	}

	var wantSum uint32
	if err := binary.Read(r, binary.BigEndian, &wantSum); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: missing checksum: %v", path, err)
	}
	if wantSum != crc.Sum32() {
		return nil, errors.Wrapf(ErrCorrupt, "%s: checksum mismatch", path)
	}
	return pairs, nil
}

// encodePairs is the low-level binary writer shared by CountMap and
// DeltaMap, writing whatever signed counts iterate produces without
// interpreting them.
func encodePairs(w io.Writer, n int, iterate func(func(Pair) error) error) error {
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w, crc)

	if _, err := mw.Write(magic[:]); err != nil {
		return errors.Wrap(err, "write magic")
	}
	if err := binary.Write(mw, binary.BigEndian, uint32(n)); err != nil {
		return errors.Wrap(err, "write count")
	}

	if err := iterate(func(p Pair) error {
		if len(p.Digest) > 255 {
			return errors.Errorf("digest too long: %d bytes", len(p.Digest))
		}
		if err := binary.Write(mw, binary.BigEndian, uint8(len(p.Digest))); err != nil {
			return errors.Wrap(err, "write digest length")
		}
		if _, err := mw.Write(p.Digest); err != nil {
			return errors.Wrap(err, "write digest")
		}
		if err := binary.Write(mw, binary.BigEndian, p.Count); err != nil {
			return errors.Wrap(err, "write count value")
		}
		return nil
	}); err != nil {
		return err
	}

	if err := binary.Write(w, binary.BigEndian, crc.Sum32()); err != nil {
		return errors.Wrap(err, "write checksum")
	}
	return nil
}

// writeAtomic stages the bytes encode produces under finalPath+suffix,
// fsyncs, then renames over finalPath. The staging suffix convention
// (".new" for host shard files, ".<pid>" for pool shard files) is chosen
// by the caller.
func writeAtomic(finalPath, stagingSuffix string, encode func(io.Writer) error) error {
	stagingPath := finalPath + stagingSuffix
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(finalPath))
	}

	f, err := os.OpenFile(stagingPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "create %s", stagingPath)
	}

	if err := encode(f); err != nil {
		f.Close()
		os.Remove(stagingPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(stagingPath)
		return errors.Wrapf(err, "fsync %s", stagingPath)
	}
	if err := f.Close(); err != nil {
		os.Remove(stagingPath)
		return errors.Wrapf(err, "close %s", stagingPath)
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		os.Remove(stagingPath)
		return errors.Wrapf(err, "rename %s to %s", stagingPath, finalPath)
	}
	return nil
}

// Read parses a count file into a CountMap. Values are loaded through
// Set, so a durable file's entries are by invariant already
// non-negative; a negative value in the file is clamped to zero, and the
// returned map's Underflowed flag starts cleared either way. It is the
// caller's responsibility to stat-guard the path first via Exists; Read
// itself treats a missing file as an ordinary I/O error.
func Read(path string) (*CountMap, error) {
	pairs, err := decodePairs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load count file %s", path)
	}
	cm := New()
	for _, p := range pairs {
		cm.Set(p.Digest, p.Count)
	}
	// A durably-written file never has negative counts by invariant;
	// clear any transient flag Set picked up above so a clean file
	// never reports false underflow.
	cm.underflow = false
	return cm, nil
}

// Write serializes cm to finalPath atomically.
func Write(cm *CountMap, finalPath, stagingSuffix string) error {
	return writeAtomic(finalPath, stagingSuffix, func(w io.Writer) error {
		return encodePairs(w, cm.Len(), cm.Iterate)
	})
}

// ReadOrEmpty is a convenience combining Exists and Read: it returns an
// empty CountMap (rather than an error) when path does not exist.
func ReadOrEmpty(path string) (*CountMap, error) {
	ok, err := Exists(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return New(), nil
	}
	return Read(path)
}
