package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseYearMonth(t *testing.T) {
	ym, err := ParseYearMonth("2025_03")
	require.NoError(t, err)
	assert.Equal(t, YearMonth{Year: 2025, Month: 3}, ym)
}

func TestParseYearMonth_Invalid(t *testing.T) {
	for _, input := range []string{"", "2025-03", "2025_3", "25_03", "2025_13", "2025_00", "tests_2025_03"} {
		_, err := ParseYearMonth(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestYearMonth_Rendering(t *testing.T) {
	ym := YearMonth{Year: 2024, Month: 7}
	assert.Equal(t, "2024_07", ym.String())
	assert.Equal(t, "2024-07-01", ym.DateString())
	assert.Equal(t, "tests_2024_07", ym.TableName("tests"))
}

func TestMonthsFromTables(t *testing.T) {
	tables := []string{
		"tests_2025_02",
		"tests_2024_12",
		"tests_2025_01",
		"tests_legacy",      // malformed suffix
		"other_2025_03",     // different prefix
		"tests_2025_02_bak", // trailing junk
	}

	months := MonthsFromTables(tables, "tests")
	require.Equal(t, []YearMonth{
		{Year: 2024, Month: 12},
		{Year: 2025, Month: 1},
		{Year: 2025, Month: 2},
	}, months)
}

func TestMissingMonths(t *testing.T) {
	warehouse := []YearMonth{
		{Year: 2025, Month: 1},
		{Year: 2025, Month: 2},
		{Year: 2025, Month: 3},
	}
	stored := []YearMonth{
		{Year: 2025, Month: 1},
		{Year: 2025, Month: 3},
	}

	missing := MissingMonths(warehouse, stored)
	assert.Equal(t, []YearMonth{{Year: 2025, Month: 2}}, missing)
}

func TestMissingMonths_NothingStored(t *testing.T) {
	warehouse := []YearMonth{{Year: 2025, Month: 2}, {Year: 2025, Month: 1}}

	missing := MissingMonths(warehouse, nil)
	assert.Equal(t, []YearMonth{{Year: 2025, Month: 1}, {Year: 2025, Month: 2}}, missing)
}

func TestMissingMonths_UpToDate(t *testing.T) {
	months := []YearMonth{{Year: 2025, Month: 1}}
	assert.Empty(t, MissingMonths(months, months))
}
