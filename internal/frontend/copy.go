package frontend

import (
	"bytes"
	"fmt"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/router"
)

// copySplitter routes COPY FROM STDIN rows to shards by the sharding
// column. Text and CSV rows split line by line; binary streams and rows
// whose key cannot be read broadcast to every shard (key -1).
type copySplitter struct {
	info    *router.CopyInfo
	cluster *backend.Cluster

	// carry holds a partial trailing line between CopyData frames.
	carry []byte
	// header tracks whether the CSV header row is still pending.
	header bool
}

func newCopySplitter(info *router.CopyInfo, cluster *backend.Cluster) *copySplitter {
	return &copySplitter{info: info, cluster: cluster, header: info.HasHeader}
}

// split partitions one CopyData payload by target shard. The special key
// -1 means "every shard".
func (cs *copySplitter) split(data []byte) (map[int][]byte, error) {
	if cs.info.Binary || cs.info.ShardColumn < 0 {
		return map[int][]byte{-1: data}, nil
	}

	out := make(map[int][]byte)
	buf := append(cs.carry, data...)
	cs.carry = nil

	for {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			cs.carry = buf
			break
		}
		line := buf[:nl+1]
		buf = buf[nl+1:]

		if cs.header {
			cs.header = false
			out[-1] = append(out[-1], line...)
			continue
		}
		// The COPY end marker stays on every shard's stream.
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte(`\.`)) {
			out[-1] = append(out[-1], line...)
			continue
		}

		shard, err := cs.shardForLine(bytes.TrimRight(line, "\r\n"))
		if err != nil {
			out[-1] = append(out[-1], line...)
			continue
		}
		out[shard] = append(out[shard], line...)
	}
	return out, nil
}

// shardForLine extracts the sharding key from one row and hashes it.
func (cs *copySplitter) shardForLine(line []byte) (int, error) {
	fields := splitCopyFields(line, cs.info.Delimiter, cs.info.CSV)
	if cs.info.ShardColumn >= len(fields) {
		return 0, fmt.Errorf("frontend: row has %d fields, sharding column is %d", len(fields), cs.info.ShardColumn)
	}
	value := fields[cs.info.ShardColumn]
	return cs.cluster.Selector.SelectValue(value, cs.info.DataType)
}

// splitCopyFields splits one row into its column values. CSV honors double
// quotes; text format splits on the delimiter directly.
func splitCopyFields(line []byte, delim byte, csv bool) []string {
	var fields []string
	if !csv {
		for _, f := range bytes.Split(line, []byte{delim}) {
			fields = append(fields, string(f))
		}
		return fields
	}

	var cur []byte
	inQuotes := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			if inQuotes && i+1 < len(line) && line[i+1] == '"' {
				cur = append(cur, '"')
				i++
				continue
			}
			inQuotes = !inQuotes
		case c == delim && !inQuotes:
			fields = append(fields, string(cur))
			cur = cur[:0]
		default:
			cur = append(cur, c)
		}
	}
	fields = append(fields, string(cur))
	return fields
}
