// Package frontend owns the client side of the proxy: startup and
// authentication, the per-session state machine, cross-shard result
// merging, and the connected-client registry.
package frontend

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/wire"
)

// shardResult is everything one shard returned for a buffered request.
type shardResult struct {
	shard    int
	columns  []wire.Column
	rowDesc  *wire.Message
	rows     []wire.Message
	leading  []wire.Message // ParseComplete/BindComplete etc, pre-rows
	tag      string
	errMsg   *wire.Message
	txStatus byte
}

// mergeResults combines per-shard replies into one client-facing stream:
// ORDER BY drives a k-way merge, aggregates recombine, LIMIT/OFFSET apply
// last.
func mergeResults(route *router.Route, results []shardResult) []wire.Message {
	var out []wire.Message

	// Any shard error wins; the client sees the first one.
	for _, r := range results {
		if r.errMsg != nil {
			out = append(out, *r.errMsg)
			out = append(out, wire.NewReadyForQuery(mergedStatus(results)))
			return out
		}
	}

	first := results[0]
	out = append(out, first.leading...)

	avgHelpers := helperColumns(route)
	if first.rowDesc != nil {
		rd := *first.rowDesc
		if avgHelpers > 0 {
			rd = stripColumns(first.columns, avgHelpers)
		}
		out = append(out, rd)
	}

	var rows []wire.Message
	switch {
	case len(route.Aggregates) > 0 && !route.GroupByShardKey:
		row, ok := combineAggregates(route, results)
		if ok {
			rows = append(rows, row)
		}
	case len(route.OrderBy) > 0:
		rows = mergeSorted(route, results, first.columns)
	default:
		for _, r := range results {
			rows = append(rows, r.rows...)
		}
	}

	if avgHelpers > 0 {
		rows = stripRowHelpers(rows, avgHelpers)
	}

	// OFFSET discards, LIMIT truncates, both after the merge.
	if route.Offset > 0 {
		if route.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[route.Offset:]
		}
	}
	if route.Limit >= 0 && len(rows) > route.Limit {
		rows = rows[:route.Limit]
	}
	out = append(out, rows...)

	out = append(out, wire.NewCommandComplete(mergedTag(first.tag, len(rows), results)))
	out = append(out, wire.NewReadyForQuery(mergedStatus(results)))
	return out
}

func mergedStatus(results []shardResult) byte {
	status := byte('I')
	for _, r := range results {
		switch r.txStatus {
		case 'E':
			return 'E'
		case 'T':
			status = 'T'
		}
	}
	return status
}

// mergedTag recomputes the CommandComplete tag for the merged stream.
func mergedTag(firstTag string, rowCount int, results []shardResult) string {
	fields := strings.Fields(firstTag)
	if len(fields) == 0 {
		return firstTag
	}
	switch fields[0] {
	case "SELECT", "COPY":
		return fmt.Sprintf("%s %d", fields[0], rowCount)
	case "INSERT", "UPDATE", "DELETE":
		total := 0
		for _, r := range results {
			f := strings.Fields(r.tag)
			if len(f) > 0 {
				if n, err := strconv.Atoi(f[len(f)-1]); err == nil {
					total += n
				}
			}
		}
		if fields[0] == "INSERT" {
			return fmt.Sprintf("INSERT 0 %d", total)
		}
		return fmt.Sprintf("%s %d", fields[0], total)
	default:
		return firstTag
	}
}

func helperColumns(route *router.Route) int {
	n := 0
	for _, a := range route.Aggregates {
		if a.Func == router.AggAvg && a.SumColumn >= 0 {
			n += 2
		}
	}
	return n
}

func stripColumns(cols []wire.Column, helpers int) wire.Message {
	keep := len(cols) - helpers
	if keep < 0 {
		keep = len(cols)
	}
	return wire.NewRowDescription(cols[:keep])
}

func stripRowHelpers(rows []wire.Message, helpers int) []wire.Message {
	out := make([]wire.Message, 0, len(rows))
	for _, row := range rows {
		cells, err := wire.ParseDataRow(row.Payload)
		if err != nil || len(cells) <= helpers {
			out = append(out, row)
			continue
		}
		out = append(out, wire.NewDataRow(cells[:len(cells)-helpers]))
	}
	return out
}

// mergeSorted performs the streaming k-way merge: every shard stream is
// already sorted, so repeatedly take the smallest head.
func mergeSorted(route *router.Route, results []shardResult, cols []wire.Column) []wire.Message {
	keys := resolveSortKeys(route.OrderBy, cols)

	type cursor struct {
		rows []wire.Message
		pos  int
	}
	cursors := make([]*cursor, 0, len(results))
	total := 0
	for _, r := range results {
		cursors = append(cursors, &cursor{rows: r.rows})
		total += len(r.rows)
	}

	out := make([]wire.Message, 0, total)
	for {
		best := -1
		var bestCells [][]byte
		for i, c := range cursors {
			if c.pos >= len(c.rows) {
				continue
			}
			cells, err := wire.ParseDataRow(c.rows[c.pos].Payload)
			if err != nil {
				c.pos++
				continue
			}
			if best < 0 || compareRows(cells, bestCells, keys, cols) < 0 {
				best = i
				bestCells = cells
			}
		}
		if best < 0 {
			return out
		}
		out = append(out, cursors[best].rows[cursors[best].pos])
		cursors[best].pos++
	}
}

// sortKey is one resolved ORDER BY comparator input.
type sortKey struct {
	column     int
	descending bool
}

func resolveSortKeys(orderBy []router.OrderBy, cols []wire.Column) []sortKey {
	var keys []sortKey
	for _, ob := range orderBy {
		idx := -1
		if ob.ColumnIndex > 0 {
			idx = ob.ColumnIndex - 1
		} else {
			for i, c := range cols {
				if strings.EqualFold(c.Name, ob.ColumnName) {
					idx = i
					break
				}
			}
		}
		if idx < 0 || idx >= len(cols) {
			continue
		}
		keys = append(keys, sortKey{column: idx, descending: ob.Direction == router.Descending})
	}
	return keys
}

func compareRows(a, b [][]byte, keys []sortKey, cols []wire.Column) int {
	for _, k := range keys {
		var av, bv []byte
		if k.column < len(a) {
			av = a[k.column]
		}
		if k.column < len(b) {
			bv = b[k.column]
		}
		cmp := compareTyped(av, bv, cols[k.column].TypeOID)
		if cmp == 0 {
			continue
		}
		if k.descending {
			return -cmp
		}
		return cmp
	}
	return 0
}

// Type OIDs with numeric ordering.
const (
	oidInt8    = 20
	oidInt2    = 21
	oidInt4    = 23
	oidFloat4  = 700
	oidFloat8  = 701
	oidNumeric = 1700
	oidOID     = 26
)

// compareTyped compares two text-format values by column type. NULLs sort
// last, matching the PostgreSQL default for ascending order.
func compareTyped(a, b []byte, typeOID uint32) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	switch typeOID {
	case oidInt2, oidInt4, oidInt8, oidOID:
		ai, aerr := strconv.ParseInt(string(a), 10, 64)
		bi, berr := strconv.ParseInt(string(b), 10, 64)
		if aerr == nil && berr == nil {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			default:
				return 0
			}
		}
	case oidFloat4, oidFloat8, oidNumeric:
		af, aerr := strconv.ParseFloat(string(a), 64)
		bf, berr := strconv.ParseFloat(string(b), 64)
		if aerr == nil && berr == nil {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return bytes.Compare(a, b)
}

// combineAggregates folds every shard's single aggregate row into one.
func combineAggregates(route *router.Route, results []shardResult) (wire.Message, bool) {
	var rows [][][]byte
	width := 0
	for _, r := range results {
		for _, row := range r.rows {
			cells, err := wire.ParseDataRow(row.Payload)
			if err != nil {
				continue
			}
			if len(cells) > width {
				width = len(cells)
			}
			rows = append(rows, cells)
		}
	}
	if len(rows) == 0 {
		return wire.Message{}, false
	}

	out := make([][]byte, width)
	copy(out, rows[0])

	for _, agg := range route.Aggregates {
		switch agg.Func {
		case router.AggCount, router.AggSum:
			out[agg.Column] = sumColumn(rows, agg.Column)
		case router.AggMin:
			out[agg.Column] = extremeColumn(rows, agg.Column, true)
		case router.AggMax:
			out[agg.Column] = extremeColumn(rows, agg.Column, false)
		case router.AggAvg:
			if agg.SumColumn >= 0 && agg.CountColumn >= 0 {
				out[agg.Column] = averageColumn(rows, agg.SumColumn, agg.CountColumn)
			}
		}
	}
	return wire.NewDataRow(out), true
}

func sumColumn(rows [][][]byte, col int) []byte {
	isFloat := false
	var intSum int64
	var floatSum float64
	for _, row := range rows {
		if col >= len(row) || row[col] == nil {
			continue
		}
		s := string(row[col])
		if !isFloat {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				intSum += n
				floatSum += float64(n)
				continue
			}
			isFloat = true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			floatSum += f
		}
	}
	if isFloat {
		return []byte(strconv.FormatFloat(floatSum, 'f', -1, 64))
	}
	return []byte(strconv.FormatInt(intSum, 10))
}

func extremeColumn(rows [][][]byte, col int, min bool) []byte {
	var best []byte
	for _, row := range rows {
		if col >= len(row) || row[col] == nil {
			continue
		}
		if best == nil {
			best = row[col]
			continue
		}
		cmp := compareTyped(row[col], best, oidNumeric)
		if (min && cmp < 0) || (!min && cmp > 0) {
			best = row[col]
		}
	}
	return best
}

func averageColumn(rows [][][]byte, sumCol, countCol int) []byte {
	var sum float64
	var count float64
	for _, row := range rows {
		if sumCol < len(row) && row[sumCol] != nil {
			if f, err := strconv.ParseFloat(string(row[sumCol]), 64); err == nil {
				sum += f
			}
		}
		if countCol < len(row) && row[countCol] != nil {
			if f, err := strconv.ParseFloat(string(row[countCol]), 64); err == nil {
				count += f
			}
		}
	}
	if count == 0 {
		return nil
	}
	return []byte(strconv.FormatFloat(sum/count, 'f', -1, 64))
}
