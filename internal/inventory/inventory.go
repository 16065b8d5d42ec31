// Package inventory gathers the storage keys referenced by the application's
// metadata tables. The keys are opaque to this module.
package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Source lists the storage keys owned by one metadata domain.
type Source interface {
	Name() string
	Keys(ctx context.Context) ([]string, error)
}

// Querier is the subset of pgxpool.Pool used by TableSource.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TableSource reads one key column from one table.
type TableSource struct {
	name   string
	db     Querier
	table  string
	column string
}

// NewTableSource returns a Source reading column from table.
func NewTableSource(db Querier, name, table, column string) *TableSource {
	return &TableSource{name: name, db: db, table: table, column: column}
}

func (s *TableSource) Name() string { return s.name }

// query builds the key-only select. Identifiers are quoted so configured
// names cannot inject SQL.
func (s *TableSource) query() string {
	col := pgx.Identifier{s.column}.Sanitize()
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL AND %s <> ''",
		col, pgx.Identifier{s.table}.Sanitize(), col, col)
}

func (s *TableSource) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, s.query())
	if err != nil {
		return nil, fmt.Errorf("query %s keys: %w", s.name, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan %s keys: %w", s.name, err)
	}
	return keys, nil
}

// Domain names a metadata table and its key column.
type Domain struct {
	Name   string
	Table  string
	Column string
}

// DefaultDomains are the three metadata domains that reference stored objects.
var DefaultDomains = []Domain{
	{Name: "files", Table: "files", Column: "storage_key"},
	{Name: "product_files", Table: "product_files", Column: "storage_key"},
	{Name: "movement_photos", Table: "movement_photos", Column: "storage_key"},
}

// SourcesFor builds a TableSource for each domain.
func SourcesFor(db Querier, domains []Domain) []Source {
	sources := make([]Source, 0, len(domains))
	for _, d := range domains {
		sources = append(sources, NewTableSource(db, d.Name, d.Table, d.Column))
	}
	return sources
}

// Collector unions the keys of several sources.
type Collector struct {
	sources []Source
	logger  zerolog.Logger
}

// NewCollector returns a Collector over sources.
func NewCollector(logger zerolog.Logger, sources ...Source) *Collector {
	return &Collector{sources: sources, logger: logger.With().Str("component", "inventory").Logger()}
}

// Collect returns the deduplicated, sorted set of referenced keys. A failing
// source aborts collection since the backup could not describe its scope.
func (c *Collector) Collect(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	for _, src := range c.sources {
		keys, err := src.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", src.Name(), err)
		}
		for _, k := range keys {
			if k != "" {
				set[k] = struct{}{}
			}
		}
		c.logger.Debug().Str("source", src.Name()).Int("keys", len(keys)).Msg("collected keys")
	}

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
