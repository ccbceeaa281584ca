package router

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shardgate/shardgate/internal/sharding"
	"github.com/shardgate/shardgate/internal/wire"
)

// Comment hints recognized anywhere in a C-style comment.
var (
	commentPattern  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	shardHint       = regexp.MustCompile(`shardgate_shard:\s*(\d+)`)
	shardingKeyHint = regexp.MustCompile(`shardgate_sharding_key:\s*([^\s*/]+)`)
)

// Options carries the per-session context the classifier needs.
type Options struct {
	// TransactionPooling absorbs BEGIN/COMMIT into virtual transactions.
	TransactionPooling bool
	// WroteInTransaction pins reads to the primary for the rest of the
	// transaction.
	WroteInTransaction bool
}

// Result is either a Route or a Command, never both.
type Result struct {
	Route   *Route
	Command *Command
}

// Classify analyzes one buffered request against the sharding schema.
func Classify(q wire.BufferedQuery, schema Schema, opts Options) (Result, error) {
	sql := q.SQL
	toks := tokenize(sql)
	if len(toks) == 0 {
		return Result{Route: AllShards(true)}, nil
	}

	switch toks[0].text {
	case "begin", "start":
		return Result{Command: &Command{Kind: CmdBegin}}, nil
	case "commit", "end":
		return Result{Command: &Command{Kind: CmdCommit}}, nil
	case "rollback", "abort":
		return Result{Command: &Command{Kind: CmdRollback}}, nil
	case "set":
		cmd := &Command{Kind: CmdSet}
		if len(toks) > 1 && toks[1].text == "local" {
			cmd.Local = true
		}
		return Result{Command: cmd}, nil
	case "prepare":
		name := ""
		if len(toks) > 1 {
			name = toks[1].text
		}
		return Result{Command: &Command{Kind: CmdPrepare, Name: name}}, nil
	case "execute":
		name := ""
		if len(toks) > 1 {
			name = toks[1].text
		}
		return Result{Command: &Command{Kind: CmdExecute, Name: name}}, nil
	case "deallocate":
		name := ""
		if len(toks) > 1 {
			name = toks[len(toks)-1].text
		}
		return Result{Command: &Command{Kind: CmdDeallocate, Name: name}}, nil
	case "show":
		return Result{Command: &Command{Kind: CmdShow}}, nil
	case "start_replication":
		return Result{Command: &Command{Kind: CmdStartReplication}}, nil
	}

	var route *Route
	var err error
	switch toks[0].text {
	case "select", "with", "table", "values":
		route, err = classifySelect(sql, toks, q, schema, opts)
	case "insert":
		route, err = classifyInsert(toks, q, schema)
	case "update", "delete":
		route, err = classifyUpdateDelete(toks, q, schema)
	case "copy":
		route, err = classifyCopy(sql, toks, schema)
	default:
		// DDL and everything else: write, all shards.
		route = AllShards(false)
	}
	if err != nil {
		return Result{}, err
	}

	applyHints(sql, route, schema)
	return Result{Route: route}, nil
}

// applyHints overrides the shard decision from comment hints. An explicit
// shardgate_shard hint always wins.
func applyHints(sql string, route *Route, schema Schema) {
	for _, comment := range commentPattern.FindAllString(sql, -1) {
		if m := shardHint.FindStringSubmatch(comment); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 && n < schema.ShardCount() {
				route.Shard = &n
				route.Shards = nil
				return
			}
		}
		if m := shardingKeyHint.FindStringSubmatch(comment); m != nil {
			// The hinted key hashes like a text value unless it parses as
			// an integer.
			typ := sharding.TypeText
			if _, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				typ = sharding.TypeBigint
			}
			if shard, err := schema.SelectShard(m[1], typ); err == nil {
				route.Shard = &shard
				route.Shards = nil
			}
		}
	}
}

func classifySelect(sql string, toks []token, q wire.BufferedQuery, schema Schema, opts Options) (*Route, error) {
	route := AllShards(true)

	if hasTopLevelWord(toks, "for") {
		// FOR UPDATE / FOR SHARE locks rows: a write.
		for i := 0; i < len(toks)-1; i++ {
			if toks[i].depth == 0 && toks[i].text == "for" {
				next := toks[i+1].text
				if next == "update" || next == "share" || next == "no" || next == "key" {
					route.Read = false
				}
			}
		}
	}
	if opts.WroteInTransaction {
		route.Read = false
	}
	if toks[0].text == "with" && hasAnyWord(toks, "insert", "update", "delete") {
		route.Read = false
	}

	table := tableAfter(toks, "from")
	column, typ, sharded := "", sharding.DataType(0), false
	if table != "" {
		column, typ, sharded = schema.TableColumn(table)
	}

	if sharded {
		values := whereEqualities(toks, q, column)
		shards, err := shardsForValues(values, typ, schema)
		if err == nil {
			narrowShards(route, shards)
		}
	}

	parseOrderBy(toks, route)
	parseLimitOffset(toks, route)
	parseAggregates(sql, toks, route)
	parseGroupBy(toks, route, column)

	if route.IsFanout(schema.ShardCount()) && hasAvg(route.Aggregates) {
		rewriteAvg(sql, toks, route)
	}
	return route, nil
}

func hasAvg(aggs []Aggregate) bool {
	for _, a := range aggs {
		if a.Func == AggAvg {
			return true
		}
	}
	return false
}

func classifyInsert(toks []token, q wire.BufferedQuery, schema Schema) (*Route, error) {
	route := AllShards(false)

	table := tableAfter(toks, "into")
	if table == "" {
		return route, nil
	}
	column, typ, sharded := schema.TableColumn(table)
	if !sharded {
		return route, nil
	}

	// Column list: parenthesized identifiers right after the table name.
	colPos := -1
	i := wordIndex(toks, "into")
	// Skip table tokens (name or schema.name).
	i++
	for i < len(toks) && (toks[i].kind == tokWord || toks[i].text == ".") {
		i++
	}
	if i >= len(toks) || toks[i].text != "(" {
		return route, nil
	}
	depth := toks[i].depth + 1
	idx := 0
	for j := i + 1; j < len(toks); j++ {
		if toks[j].text == ")" && toks[j].depth < depth {
			break
		}
		if toks[j].depth != depth {
			continue
		}
		if toks[j].kind == tokWord {
			if toks[j].text == column {
				colPos = idx
			}
		}
		if toks[j].text == "," {
			idx++
		}
	}
	if colPos < 0 {
		return route, nil
	}

	vi := wordIndex(toks, "values")
	if vi < 0 {
		return route, nil
	}

	// Each tuple contributes one candidate shard.
	var shards []int
	j := vi + 1
	for j < len(toks) {
		if toks[j].text != "(" {
			j++
			continue
		}
		tupleDepth := toks[j].depth + 1
		pos := 0
		var value string
		found := false
		for k := j + 1; k < len(toks); k++ {
			if toks[k].text == ")" && toks[k].depth < tupleDepth {
				j = k
				break
			}
			if toks[k].depth != tupleDepth {
				continue
			}
			if toks[k].text == "," {
				pos++
				continue
			}
			if pos == colPos && !found {
				value, found = resolveValue(toks[k], q)
			}
		}
		if found {
			shard, err := schema.SelectShard(value, typ)
			if err == nil {
				shards = appendShard(shards, shard)
			}
		}
		j++
	}
	narrowShards(route, shards)
	return route, nil
}

func classifyUpdateDelete(toks []token, q wire.BufferedQuery, schema Schema) (*Route, error) {
	route := AllShards(false)

	var table string
	if toks[0].text == "update" {
		if len(toks) > 1 && toks[1].kind == tokWord {
			table = unqualify(toks, 1)
		}
	} else {
		table = tableAfter(toks, "from")
	}
	if table == "" {
		return route, nil
	}
	column, typ, sharded := schema.TableColumn(table)
	if !sharded {
		return route, nil
	}

	values := whereEqualities(toks, q, column)
	shards, err := shardsForValues(values, typ, schema)
	if err == nil {
		narrowShards(route, shards)
	}
	return route, nil
}

// CopyInfo describes a COPY ... FROM STDIN statement for per-row sharding.
type CopyInfo struct {
	Table       string
	Columns     []string
	ShardColumn int // index into Columns, -1 when unknown
	DataType    sharding.DataType
	Binary      bool
	CSV         bool
	Delimiter   byte
	HasHeader   bool
	FromStdin   bool
}

func classifyCopy(sql string, toks []token, schema Schema) (*Route, error) {
	route := AllShards(false)
	info := &CopyInfo{ShardColumn: -1, Delimiter: '\t'}

	if len(toks) < 2 {
		return route, nil
	}
	info.Table = unqualify(toks, 1)

	// Optional column list.
	i := 2
	for i < len(toks) && (toks[i].kind == tokWord || toks[i].text == ".") {
		i++
	}
	if i < len(toks) && toks[i].text == "(" {
		depth := toks[i].depth + 1
		for j := i + 1; j < len(toks); j++ {
			if toks[j].text == ")" && toks[j].depth < depth {
				i = j + 1
				break
			}
			if toks[j].depth == depth && toks[j].kind == tokWord {
				info.Columns = append(info.Columns, toks[j].text)
			}
		}
	}

	lower := strings.ToLower(sql)
	info.FromStdin = strings.Contains(lower, "from stdin")
	if !info.FromStdin {
		route.Read = strings.Contains(lower, " to ")
	}
	info.CSV = strings.Contains(lower, "csv")
	if info.CSV {
		info.Delimiter = ','
	}
	info.Binary = strings.Contains(lower, "binary")
	info.HasHeader = strings.Contains(lower, "header")
	if m := regexp.MustCompile(`delimiter\s+'(.)'`).FindStringSubmatch(lower); m != nil {
		info.Delimiter = m[1][0]
	}

	if column, typ, ok := schema.TableColumn(info.Table); ok {
		info.DataType = typ
		for idx, c := range info.Columns {
			if c == column {
				info.ShardColumn = idx
			}
		}
	}

	route.Copy = info
	return route, nil
}

// shardsForValues hashes each extracted value.
func shardsForValues(values []string, typ sharding.DataType, schema Schema) ([]int, error) {
	var shards []int
	for _, v := range values {
		shard, err := schema.SelectShard(v, typ)
		if err != nil {
			return nil, err
		}
		shards = appendShard(shards, shard)
	}
	return shards, nil
}

func appendShard(shards []int, shard int) []int {
	for _, s := range shards {
		if s == shard {
			return shards
		}
	}
	return append(shards, shard)
}

// narrowShards applies a candidate set to the route: one candidate pins the
// shard, several restrict the fan-out.
func narrowShards(route *Route, shards []int) {
	switch len(shards) {
	case 0:
	case 1:
		route.Shard = &shards[0]
	default:
		route.Shards = shards
	}
}

// whereEqualities walks the WHERE region and collects values compared for
// equality (or IN membership) against the sharding column.
func whereEqualities(toks []token, q wire.BufferedQuery, column string) []string {
	wi := wordIndex(toks, "where")
	if wi < 0 {
		return nil
	}
	end := len(toks)
	for _, stop := range []string{"group", "order", "limit", "offset", "for", "returning"} {
		if si := wordIndexFrom(toks, stop, wi); si >= 0 && si < end && toks[si].depth == 0 {
			end = si
		}
	}

	var values []string
	for i := wi + 1; i < end; i++ {
		t := toks[i]
		if t.kind != tokWord || t.text != column {
			continue
		}
		// Qualified references (t.id) match on the column name alone; the
		// qualifier before the '.' is not checked.
		j := i + 1
		if j >= end {
			break
		}
		switch toks[j].text {
		case "=":
			if j+1 < end {
				if v, ok := resolveValue(toks[j+1], q); ok {
					values = append(values, v)
				}
			}
		case "in":
			if j+1 < end && toks[j+1].text == "(" {
				depth := toks[j+1].depth + 1
				for k := j + 2; k < end; k++ {
					if toks[k].text == ")" && toks[k].depth < depth {
						break
					}
					if toks[k].depth != depth || toks[k].text == "," {
						continue
					}
					if v, ok := resolveValue(toks[k], q); ok {
						values = append(values, v)
					}
				}
			}
		}
	}
	return values
}

// resolveValue turns a literal or parameter token into its text value.
func resolveValue(t token, q wire.BufferedQuery) (string, bool) {
	switch t.kind {
	case tokNumber:
		return t.text, true
	case tokString:
		return t.text, true
	case tokParam:
		n, err := strconv.Atoi(t.text[1:])
		if err != nil || q.Bind == nil || n < 1 || n > len(q.Bind.Params) {
			return "", false
		}
		raw := q.Bind.Params[n-1]
		if raw == nil {
			return "", false
		}
		format := int16(0)
		if len(q.Bind.ParamFormats) == 1 {
			format = q.Bind.ParamFormats[0]
		} else if n-1 < len(q.Bind.ParamFormats) {
			format = q.Bind.ParamFormats[n-1]
		}
		if format == 0 {
			return string(raw), true
		}
		return decodeBinaryParam(raw)
	default:
		return "", false
	}
}

// decodeBinaryParam renders a binary-format parameter as text. Only the
// shapes a sharding key can take are supported.
func decodeBinaryParam(raw []byte) (string, bool) {
	switch len(raw) {
	case 2:
		return strconv.FormatInt(int64(int16(binary.BigEndian.Uint16(raw))), 10), true
	case 4:
		return strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(raw))), 10), true
	case 8:
		return strconv.FormatInt(int64(binary.BigEndian.Uint64(raw)), 10), true
	case 16:
		return fmt.Sprintf("%x-%x-%x-%x-%x", raw[0:4], raw[4:6], raw[6:8], raw[8:10], raw[10:16]), true
	default:
		return "", false
	}
}

func parseOrderBy(toks []token, route *Route) {
	oi := -1
	for i := 0; i < len(toks)-1; i++ {
		if toks[i].depth == 0 && toks[i].text == "order" && toks[i+1].text == "by" {
			oi = i + 2
			break
		}
	}
	if oi < 0 {
		return
	}

	current := OrderBy{Direction: Ascending}
	have := false
	flush := func() {
		if have {
			route.OrderBy = append(route.OrderBy, current)
			current = OrderBy{Direction: Ascending}
			have = false
		}
	}
	for i := oi; i < len(toks); i++ {
		t := toks[i]
		if t.depth != 0 {
			continue
		}
		switch {
		case t.text == ",":
			flush()
		case t.kind == tokNumber:
			if !have {
				if n, err := strconv.Atoi(t.text); err == nil {
					current.ColumnIndex = n
					have = true
				}
			}
		case t.text == "asc":
			current.Direction = Ascending
		case t.text == "desc":
			current.Direction = Descending
		case t.text == "nulls" || t.text == "first" || t.text == "last":
			// PostgreSQL default null ordering is kept.
		case t.text == "limit" || t.text == "offset" || t.text == "for" || t.text == "fetch":
			flush()
			return
		case t.kind == tokWord:
			if have && current.ColumnName != "" {
				// Expression order keys are skipped; merge needs a plain
				// column or position.
				continue
			}
			current.ColumnName = t.text
			have = true
		}
	}
	flush()
}

func parseLimitOffset(toks []token, route *Route) {
	for i := 0; i < len(toks)-1; i++ {
		if toks[i].depth != 0 {
			continue
		}
		if toks[i].text == "limit" && toks[i+1].kind == tokNumber {
			if n, err := strconv.Atoi(toks[i+1].text); err == nil {
				route.Limit = n
			}
		}
		if toks[i].text == "offset" && toks[i+1].kind == tokNumber {
			if n, err := strconv.Atoi(toks[i+1].text); err == nil {
				route.Offset = n
			}
		}
	}
}

var aggregateNames = map[string]AggregateFunc{
	"count": AggCount,
	"min":   AggMin,
	"max":   AggMax,
	"sum":   AggSum,
	"avg":   AggAvg,
}

// parseAggregates scans the projection (between SELECT and top-level FROM)
// for mergeable aggregate calls.
func parseAggregates(sql string, toks []token, route *Route) {
	if len(toks) == 0 || toks[0].text != "select" {
		return
	}
	end := wordIndex(toks, "from")
	if end < 0 {
		end = len(toks)
	}

	col := 0
	for i := 1; i < end; i++ {
		t := toks[i]
		if t.depth == 0 && t.text == "," {
			col++
			continue
		}
		if t.depth != 0 || t.kind != tokWord {
			continue
		}
		fn, ok := aggregateNames[t.text]
		if !ok || i+1 >= end || toks[i+1].text != "(" {
			continue
		}
		// Expression text between the parens.
		open := toks[i+1]
		closeIdx := -1
		for j := i + 2; j < len(toks); j++ {
			if toks[j].text == ")" && toks[j].depth == open.depth {
				closeIdx = j
				break
			}
		}
		expr := "*"
		if closeIdx > i+2 {
			expr = strings.TrimSpace(sql[toks[i+2].pos:toks[closeIdx].pos])
		}
		route.Aggregates = append(route.Aggregates, Aggregate{
			Func:        fn,
			Column:      col,
			Expr:        expr,
			SumColumn:   -1,
			CountColumn: -1,
		})
	}
}

func parseGroupBy(toks []token, route *Route, shardColumn string) {
	for i := 0; i < len(toks)-1; i++ {
		if toks[i].depth == 0 && toks[i].text == "group" && toks[i+1].text == "by" {
			route.GroupBy = true
			if i+2 < len(toks) && toks[i+2].kind == tokWord && toks[i+2].text == shardColumn {
				route.GroupByShardKey = true
			}
			return
		}
	}
}

// rewriteAvg appends SUM/COUNT helper columns for every AVG so the merge
// can recombine exact averages across shards.
func rewriteAvg(sql string, toks []token, route *Route) {
	fi := wordIndex(toks, "from")
	if fi < 0 {
		return
	}
	projection := strings.TrimSpace(sql[toks[1].pos:toks[fi].pos])

	// Helper columns land after the original projection.
	next := 0
	for i := 1; i < fi; i++ {
		if toks[i].depth == 0 && toks[i].text == "," {
			next++
		}
	}
	next++ // count of projection columns

	var extra []string
	for i := range route.Aggregates {
		agg := &route.Aggregates[i]
		if agg.Func != AggAvg {
			continue
		}
		agg.SumColumn = next
		agg.CountColumn = next + 1
		next += 2
		extra = append(extra,
			fmt.Sprintf("sum(%s)", agg.Expr),
			fmt.Sprintf("count(%s)", agg.Expr))
	}
	if len(extra) == 0 {
		return
	}
	route.Rewrite = "SELECT " + projection + ", " + strings.Join(extra, ", ") + " " + sql[toks[fi].pos:]
}

// tableAfter returns the unqualified table name following a keyword.
func tableAfter(toks []token, keyword string) string {
	i := wordIndex(toks, keyword)
	if i < 0 || i+1 >= len(toks) {
		return ""
	}
	if toks[i+1].kind != tokWord {
		return ""
	}
	return unqualify(toks, i+1)
}

// unqualify resolves schema-qualified names to the table part.
func unqualify(toks []token, i int) string {
	name := toks[i].text
	if i+2 < len(toks) && toks[i+1].text == "." && toks[i+2].kind == tokWord {
		return toks[i+2].text
	}
	return name
}

func wordIndex(toks []token, word string) int {
	return wordIndexFrom(toks, word, 0)
}

func wordIndexFrom(toks []token, word string, from int) int {
	for i := from; i < len(toks); i++ {
		if toks[i].depth == 0 && toks[i].kind == tokWord && toks[i].text == word {
			return i
		}
	}
	return -1
}

func hasTopLevelWord(toks []token, word string) bool {
	return wordIndex(toks, word) >= 0
}

func hasAnyWord(toks []token, words ...string) bool {
	for _, w := range words {
		if wordIndex(toks, w) >= 0 {
			return true
		}
	}
	return false
}
