package walker

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
)

func writeBackup(t *testing.T, hostDir string, num int, version int, refs string) {
	t.Helper()
	dir := filepath.Join(hostDir, strconv.Itoa(num))
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backupInfo"), []byte(`{"Version": `+strconv.Itoa(version)+`}`), 0644))
	if refs != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "refs"), []byte(refs), 0644))
	}
}

func TestWalkSkipsPreV4AndSumsOccurrences(t *testing.T) {
	hostDir := t.TempDir()
	a, _ := poolid.Parse("00112233445566778899001122334455")
	bdig, _ := poolid.Parse("aabbccddeeff00112233445566778899")

	writeBackup(t, hostDir, 3, 3, a.String()+" 0\n") // pre-v4, skipped
	writeBackup(t, hostDir, 4, 4, a.String()+" 0\n"+a.String()+" 0\n"+bdig.String()+" 0\n")
	writeBackup(t, hostDir, 5, 4, bdig.String()+" 0\n")

	counts := map[string]int{}
	w := FileManifestWalker{}
	err := w.Walk(hostDir, func(d poolid.Digest, class int) error {
		counts[d.String()]++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, counts[a.String()])
	require.Equal(t, 2, counts[bdig.String()])
}

func TestListBackupsSkipsNonNumericDirs(t *testing.T) {
	hostDir := t.TempDir()
	writeBackup(t, hostDir, 1, 4, "")
	require.NoError(t, os.MkdirAll(filepath.Join(hostDir, "refCnt"), 0755))

	backups, err := ListBackups(hostDir)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	require.Equal(t, 1, backups[0].Num)
}

func TestWalkMissingDirIsNotError(t *testing.T) {
	w := FileManifestWalker{}
	err := w.Walk(filepath.Join(t.TempDir(), "nope"), func(poolid.Digest, int) error { return nil })
	require.NoError(t, err)
}
