package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var aliasPattern = regexp.MustCompile(`(?i)\bAS\s+(\w+)`)

// argMaxPattern captures the column an argMax reads and the alias it writes
var argMaxPattern = regexp.MustCompile(`(?i)argMax\((\w+),\s*\w+\)\s+AS\s+(\w+)`)

func TestQueryAliasesAreUnique(t *testing.T) {
	for name, query := range map[string]string{
		"crop profiles":      cropProfilesQuery,
		"prediction history": predictionHistoryQuery,
	} {
		t.Run(name, func(t *testing.T) {
			aliases := aliasPattern.FindAllStringSubmatch(query, -1)
			require.NotEmpty(t, aliases)

			seen := make(map[string]bool, len(aliases))
			for _, m := range aliases {
				assert.Falsef(t, seen[m[1]], "alias %q is defined more than once", m[1])
				seen[m[1]] = true
			}
			for _, m := range argMaxPattern.FindAllStringSubmatch(query, -1) {
				assert.NotEqualf(t, m[1], m[2], "argMax(%s) must not be aliased back to its own column", m[1])
			}
		})
	}
	assert.Contains(t, cropProfilesQuery, "argMax(crop_score, timestamp) AS score")
}

func TestSchemaHasNoSeparateAnnotationTable(t *testing.T) {
	for _, sql := range AllTables() {
		assert.NotContains(t, sql, "prediction_outcomes")
	}
}

func TestNewClickHouseDBUnreachable(t *testing.T) {
	cfg := DefaultClickHouseConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := NewClickHouseDB(ctx, cfg, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "failed to ping ClickHouse")
}
