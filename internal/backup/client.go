package backup

import (
	"context"

	"lendbackup/internal/archive"
)

// Dumper produces and replays compressed database dumps.
// *database.Engine implements it.
type Dumper interface {
	// Dump writes a gzip-compressed SQL dump to outputPath and returns its size.
	Dump(ctx context.Context, outputPath string) (int64, error)
	// Restore replays a dump written by Dump.
	Restore(ctx context.Context, dumpPath string) error
}

// KeyCollector enumerates the object keys referenced by the database.
// *inventory.Collector implements it.
type KeyCollector interface {
	Collect(ctx context.Context) ([]string, error)
}

// FileArchiver packs and unpacks referenced objects.
// *archive.Archiver implements it.
type FileArchiver interface {
	Build(ctx context.Context, outputPath string, keys []string) (*archive.BuildResult, error)
	Extract(ctx context.Context, archivePath, destDir string) ([]archive.Entry, error)
}
