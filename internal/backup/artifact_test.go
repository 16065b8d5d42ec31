package backup

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendbackup/internal/storage"
)

func TestIDGenerator_StrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	g := NewIDGenerator(func() time.Time { return fixed })

	id1, t1 := g.Next(KindFull)
	id2, t2 := g.Next(KindFull)
	id3, t3 := g.Next(KindDatabase)

	assert.Equal(t, "backup_20260206T120000.000Z", id1)
	assert.Equal(t, "backup_20260206T120000.001Z", id2)
	assert.Equal(t, "backup_db_20260206T120000.002Z", id3)
	assert.True(t, t2.After(t1))
	assert.True(t, t3.After(t2))
}

func TestIDGenerator_ClockGoingBackwards(t *testing.T) {
	times := []time.Time{
		time.Date(2026, 2, 6, 12, 0, 1, 0, time.UTC),
		time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC),
	}
	i := 0
	g := NewIDGenerator(func() time.Time { tm := times[i]; i++; return tm })

	_, t1 := g.Next(KindFull)
	_, t2 := g.Next(KindFull)
	assert.True(t, t2.After(t1))
}

func TestTimeFromID(t *testing.T) {
	want := time.Date(2026, 2, 6, 12, 30, 15, 250*int(time.Millisecond), time.UTC)
	for _, id := range []string{"backup_20260206T123015.250Z", "backup_db_20260206T123015.250Z"} {
		got, ok := timeFromID(id)
		require.True(t, ok, id)
		assert.True(t, want.Equal(got), "%s: %v", id, got)
	}
	_, ok := timeFromID("backup_yesterday")
	assert.False(t, ok)
}

func TestDecodeArtifact(t *testing.T) {
	modified := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	created := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		obj      storage.ObjectInfo
		wantOK   bool
		wantKind Kind
		wantAt   time.Time
	}{
		{
			name: "full with metadata",
			obj: storage.ObjectInfo{
				Key: "backups/backup_20260206T120000.000Z.tar.gz", Size: 10, LastModified: modified,
				Metadata: encodeMetadata(Artifact{ID: "backup_20260206T120000.000Z", Kind: KindFull, CreatedAt: created, CreatedBy: "alice"}),
			},
			wantOK: true, wantKind: KindFull, wantAt: created,
		},
		{
			name: "metadata kind wins over name",
			obj: storage.ObjectInfo{
				Key:      "backups/backup_20260206T120000.000Z.tar.gz",
				Metadata: map[string]string{"backup-kind": "database"},
			},
			wantOK: true, wantKind: KindDatabase, wantAt: created,
		},
		{
			name:   "database by file name",
			obj:    storage.ObjectInfo{Key: "backups/backup_db_20260206T120000.000Z.sql.gz", LastModified: modified},
			wantOK: true, wantKind: KindDatabase, wantAt: created,
		},
		{
			name:   "full by file name",
			obj:    storage.ObjectInfo{Key: "backups/backup_20260206T120000.000Z.tar.gz", LastModified: modified},
			wantOK: true, wantKind: KindFull, wantAt: created,
		},
		{
			name:   "unparseable id falls back to last modified",
			obj:    storage.ObjectInfo{Key: "backups/backup_manual.tar.gz", LastModified: modified},
			wantOK: true, wantKind: KindFull, wantAt: modified,
		},
		{name: "foreign object", obj: storage.ObjectInfo{Key: "backups/readme.txt"}},
		{name: "wrong extension", obj: storage.ObjectInfo{Key: "backups/backup_20260206T120000.000Z.zip"}},
		{name: "nested", obj: storage.ObjectInfo{Key: "backups/old/backup_20260206T120000.000Z.tar.gz"}},
		{name: "outside prefix", obj: storage.ObjectInfo{Key: "uploads/backup_20260206T120000.000Z.tar.gz"}},
		{name: "partial upload", obj: storage.ObjectInfo{Key: "backups/backup_20260206T120000.000Z.tar.gz.123.partial"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ok := decodeArtifact(tt.obj)
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantKind, a.Kind)
			assert.True(t, tt.wantAt.Equal(a.CreatedAt), "CreatedAt = %v", a.CreatedAt)
			assert.Equal(t, tt.obj.Key, a.Key)
			assert.True(t, strings.HasSuffix(tt.obj.Key, a.FileName))
		})
	}
}

func TestEncodeMetadata_RoundTrip(t *testing.T) {
	in := Artifact{
		ID:        "backup_20260206T120000.000Z",
		Kind:      KindFull,
		CreatedAt: time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC),
		CreatedBy: SystemActor,
		Automatic: true,
	}
	out, ok := decodeArtifact(storage.ObjectInfo{Key: KeyFor(in.ID, in.Kind), Size: 3, Metadata: encodeMetadata(in)})
	require.True(t, ok)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.CreatedBy, out.CreatedBy)
	assert.True(t, out.Automatic)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
}
