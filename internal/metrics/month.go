// Package metrics owns metric definitions, computed datapoints, and the
// aggregation engine that turns raw warehouse rows into per-locale medians.
package metrics

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// YearMonth identifies one calendar month of data.
type YearMonth struct {
	Year  int
	Month int
}

var monthRe = regexp.MustCompile(`^(\d{4})_(\d{2})$`)

// ParseYearMonth parses the wire format "YYYY_MM".
func ParseYearMonth(s string) (YearMonth, error) {
	m := monthRe.FindStringSubmatch(s)
	if m == nil {
		return YearMonth{}, eris.Errorf("metrics: invalid month %q, want YYYY_MM", s)
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return YearMonth{}, eris.Errorf("metrics: invalid month number in %q", s)
	}
	return YearMonth{Year: year, Month: month}, nil
}

// String renders the wire format "YYYY_MM".
func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d_%02d", ym.Year, ym.Month)
}

// DateString renders the first-of-month date used in the relational store.
func (ym YearMonth) DateString() string {
	return fmt.Sprintf("%04d-%02d-01", ym.Year, ym.Month)
}

// TableName renders the warehouse table holding this month's raw records.
func (ym YearMonth) TableName(prefix string) string {
	return prefix + "_" + ym.String()
}

// Before reports chronological ordering.
func (ym YearMonth) Before(other YearMonth) bool {
	if ym.Year != other.Year {
		return ym.Year < other.Year
	}
	return ym.Month < other.Month
}

// MonthsFromTables extracts the months present in the warehouse from its
// table names, which follow the "<prefix>_YYYY_MM" convention. Names that
// don't conform are ignored.
func MonthsFromTables(tables []string, prefix string) []YearMonth {
	var out []YearMonth
	for _, t := range tables {
		rest, ok := strings.CutPrefix(t, prefix+"_")
		if !ok {
			continue
		}
		ym, err := ParseYearMonth(rest)
		if err != nil {
			continue
		}
		out = append(out, ym)
	}
	SortMonths(out)
	return out
}

// SortMonths orders months chronologically in place.
func SortMonths(months []YearMonth) {
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
}

// MissingMonths returns the months in have-not: every month present in the
// warehouse but absent from the relational store, in chronological order.
func MissingMonths(warehouse, stored []YearMonth) []YearMonth {
	seen := make(map[YearMonth]bool, len(stored))
	for _, ym := range stored {
		seen[ym] = true
	}
	var out []YearMonth
	for _, ym := range warehouse {
		if !seen[ym] {
			out = append(out, ym)
		}
	}
	SortMonths(out)
	return out
}
