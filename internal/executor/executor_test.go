package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/loadctl/internal/domain"
)

func TestBindQuery_Postgres_RewritesNamedParamsPositionally(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	query, args := bindQuery(domain.SourceDialectPostgreSQL, "SELECT * FROM t WHERE ts >= :from AND ts < :to", from, to)
	require.Equal(t, "SELECT * FROM t WHERE ts >= $1 AND ts < $2", query)
	require.Equal(t, []any{from, to}, args)
}

func TestBindQuery_MySQL_UsesQuestionMarks(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	query, args := bindQuery(domain.SourceDialectMySQL, "SELECT * FROM t WHERE ts >= :from AND ts < :to", from, to)
	require.Equal(t, "SELECT * FROM t WHERE ts >= ? AND ts < ?", query)
	require.Equal(t, []any{from, to}, args)
}

func TestBindQuery_RepeatedParam(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	query, args := bindQuery(domain.SourceDialectPostgreSQL, ":from AND :to OR :from", from, to)
	require.Equal(t, "$1 AND $2 OR $3", query)
	require.Equal(t, []any{from, to, from}, args)
}

func TestColumnIndexFromNames_RequiresTimestampAndValue(t *testing.T) {
	_, err := columnIndexFromNames([]string{"segment"})
	require.Error(t, err)

	_, err = columnIndexFromNames([]string{"ts"})
	require.Error(t, err)

	idx, err := columnIndexFromNames([]string{"ts", "segment", "value"})
	require.NoError(t, err)
	require.Equal(t, 0, idx.ts)
	require.Equal(t, 1, idx.segment)
	require.Equal(t, 2, idx.value)
}

func TestColumnIndex_Extract_SegmentOptional(t *testing.T) {
	idx, err := columnIndexFromNames([]string{"timestamp", "value"})
	require.NoError(t, err)

	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	row, err := idx.extract([]any{ts, float64(42)})
	require.NoError(t, err)
	require.Equal(t, ts, row.Timestamp)
	require.Equal(t, "", row.Segment)
	require.Equal(t, 42.0, row.Value)
}
