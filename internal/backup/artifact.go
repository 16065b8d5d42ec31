package backup

import (
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"lendbackup/internal/storage"
)

// Kind distinguishes the two artifact flavours.
type Kind string

const (
	// KindFull is a tar.gz holding the database dump, the object archive
	// and a manifest.
	KindFull Kind = "full"
	// KindDatabase is a bare gzip-compressed SQL dump.
	KindDatabase Kind = "database"
)

func (k Kind) valid() bool {
	return k == KindFull || k == KindDatabase
}

// Extension returns the file extension used for the kind.
func (k Kind) Extension() string {
	if k == KindDatabase {
		return ".sql.gz"
	}
	return ".tar.gz"
}

const (
	// Prefix is the backup storage namespace holding artifacts.
	Prefix = "backups/"

	idPrefix         = "backup_"
	databaseIDPrefix = "backup_db_"
	idTimeLayout     = "20060102T150405.000Z"
	manifestVersion  = 1
)

// User metadata attached to every uploaded artifact.
const (
	metaID        = "backup-id"
	metaKind      = "backup-kind"
	metaCreatedBy = "created-by"
	metaCreatedAt = "created-at"
	metaAutomatic = "automatic"
)

// Artifact is one backup visible in backup storage.
type Artifact struct {
	ID        string
	FileName  string
	Key       string
	Kind      Kind
	Size      int64
	CreatedAt time.Time
	CreatedBy string
	Automatic bool
}

// ObjectCounts summarizes the object archive of a full backup.
type ObjectCounts struct {
	Referenced int `json:"referenced"`
	Archived   int `json:"archived"`
	Skipped    int `json:"skipped"`
}

// Manifest describes a full backup and is stored as manifest.json inside it.
type Manifest struct {
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"createdAt"`
	CreatedBy   string       `json:"createdBy"`
	IsAutomatic bool         `json:"isAutomatic"`
	Version     int          `json:"version"`
	Kind        Kind         `json:"kind"`
	Database    string       `json:"database"`
	Objects     ObjectCounts `json:"objects"`
}

// KeyFor returns the backup storage key of an artifact id.
func KeyFor(id string, kind Kind) string {
	return Prefix + id + kind.Extension()
}

// IDGenerator produces artifact ids from a clock. Ids are strictly
// increasing: two calls within the same millisecond still differ.
type IDGenerator struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewIDGenerator returns a generator reading now; nil uses time.Now.
func NewIDGenerator(now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{now: now}
}

// Next returns a new id for kind along with the timestamp it encodes.
func (g *IDGenerator) Next(kind Kind) (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.now().UTC().Truncate(time.Millisecond)
	if !t.After(g.last) {
		t = g.last.Add(time.Millisecond)
	}
	g.last = t

	prefix := idPrefix
	if kind == KindDatabase {
		prefix = databaseIDPrefix
	}
	return prefix + t.Format(idTimeLayout), t
}

// timeFromID recovers the creation time encoded in an id.
func timeFromID(id string) (time.Time, bool) {
	s := strings.TrimPrefix(id, databaseIDPrefix)
	if s == id {
		s = strings.TrimPrefix(id, idPrefix)
	}
	t, err := time.Parse(idTimeLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// encodeMetadata returns the user metadata stored with an artifact.
func encodeMetadata(a Artifact) map[string]string {
	return map[string]string{
		metaID:        a.ID,
		metaKind:      string(a.Kind),
		metaCreatedBy: a.CreatedBy,
		metaCreatedAt: a.CreatedAt.UTC().Format(time.RFC3339Nano),
		metaAutomatic: strconv.FormatBool(a.Automatic),
	}
}

// decodeArtifact turns a listing entry into an Artifact. Objects that are
// not backup artifacts (wrong name, nested key) are rejected.
func decodeArtifact(obj storage.ObjectInfo) (Artifact, bool) {
	rest := strings.TrimPrefix(obj.Key, Prefix)
	if rest == obj.Key || rest == "" || strings.Contains(rest, "/") {
		return Artifact{}, false
	}
	name := path.Base(obj.Key)
	if !strings.HasPrefix(name, idPrefix) {
		return Artifact{}, false
	}

	var ext string
	switch {
	case strings.HasSuffix(name, KindFull.Extension()):
		ext = KindFull.Extension()
	case strings.HasSuffix(name, KindDatabase.Extension()):
		ext = KindDatabase.Extension()
	default:
		return Artifact{}, false
	}
	id := strings.TrimSuffix(name, ext)

	a := Artifact{
		ID:        id,
		FileName:  name,
		Key:       obj.Key,
		Size:      obj.Size,
		CreatedAt: obj.LastModified.UTC(),
	}

	md := obj.Metadata
	if k := Kind(md[metaKind]); k.valid() {
		a.Kind = k
	} else if ext == KindDatabase.Extension() {
		// Artifacts written without metadata fall back to the file name.
		a.Kind = KindDatabase
	} else {
		a.Kind = KindFull
	}

	if t, err := time.Parse(time.RFC3339Nano, md[metaCreatedAt]); err == nil {
		a.CreatedAt = t.UTC()
	} else if t, ok := timeFromID(id); ok {
		a.CreatedAt = t
	}
	a.CreatedBy = md[metaCreatedBy]
	a.Automatic, _ = strconv.ParseBool(md[metaAutomatic])
	return a, true
}
