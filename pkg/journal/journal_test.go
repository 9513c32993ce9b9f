package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iotile/coretools/pkg/model"
	"github.com/iotile/coretools/pkg/reportpipe"
)

func report(id uint32) model.SignedListReport {
	return model.SignedListReport{
		DeviceID: 1,
		ReportID: id,
		Readings: []model.Reading{{StreamID: 0x1000, Value: id}},
	}
}

func TestJournal_AppendEvictsOldestPastCapacity(t *testing.T) {
	j := New(2)
	key := reportpipe.Key{DeviceID: 1, Selector: 5}

	require.NoError(t, j.Append(key, report(1)))
	require.NoError(t, j.Append(key, report(2)))
	require.NoError(t, j.Append(key, report(3)))

	got := j.Replay(key, 0)
	require.Len(t, got, 2)
	require.Equal(t, uint32(2), got[0].ReportID)
	require.Equal(t, uint32(3), got[1].ReportID)
}

func TestJournal_ReplayOnlyReturnsReportsNewerThanCursor(t *testing.T) {
	j := New(DefaultCapacity)
	key := reportpipe.Key{DeviceID: 1, Selector: 5}

	for id := uint32(1); id <= 5; id++ {
		require.NoError(t, j.Append(key, report(id)))
	}

	got := j.Replay(key, 3)
	require.Len(t, got, 2)
	require.Equal(t, uint32(4), got[0].ReportID)
	require.Equal(t, uint32(5), got[1].ReportID)
}

func TestJournal_ReplayUnknownKeyReturnsNil(t *testing.T) {
	j := New(DefaultCapacity)
	got := j.Replay(reportpipe.Key{DeviceID: 99, Selector: 1}, 0)
	require.Nil(t, got)
}

func TestJournal_KeysAreIndependent(t *testing.T) {
	j := New(DefaultCapacity)
	keyA := reportpipe.Key{DeviceID: 1, Selector: 5}
	keyB := reportpipe.Key{DeviceID: 1, Selector: 6}

	require.NoError(t, j.Append(keyA, report(1)))
	require.NoError(t, j.Append(keyB, report(1)))

	require.Len(t, j.Replay(keyA, 0), 1)
	require.Len(t, j.Replay(keyB, 0), 1)
	require.Empty(t, j.Replay(reportpipe.Key{DeviceID: 2, Selector: 5}, 0))
}

func TestJournal_OpenPersistsAndReloadsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.cbor")
	key := reportpipe.Key{DeviceID: 7, Selector: 42}

	j1, err := Open(DefaultCapacity, path)
	require.NoError(t, err)
	require.NoError(t, j1.Append(key, report(1)))
	require.NoError(t, j1.Append(key, report(2)))
	require.NoError(t, j1.Close())

	j2, err := Open(DefaultCapacity, path)
	require.NoError(t, err)
	defer j2.Close()

	got := j2.Replay(key, 0)
	require.Len(t, got, 2)
	require.Equal(t, uint32(1), got[0].ReportID)
	require.Equal(t, uint32(2), got[1].ReportID)
	require.Equal(t, got[0].Readings[0].Value, uint32(1))
}
