package frontend

import (
	"strings"
	"testing"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/sharding"
)

func testCopyCluster(shards int) *backend.Cluster {
	return &backend.Cluster{
		Selector: sharding.NewShards(shards, sharding.XXHash{}, nil),
	}
}

func testCopyInfo(csv bool) *router.CopyInfo {
	delim := byte('\t')
	if csv {
		delim = ','
	}
	return &router.CopyInfo{
		Table:       "sharded",
		Columns:     []string{"id", "value"},
		ShardColumn: 0,
		DataType:    sharding.TypeBigint,
		CSV:         csv,
		Delimiter:   delim,
		FromStdin:   true,
	}
}

func TestSplitterRoutesRowsConsistently(t *testing.T) {
	cluster := testCopyCluster(2)
	cs := newCopySplitter(testCopyInfo(false), cluster)

	out, err := cs.split([]byte("1\ta\n2\tb\n1\tc\n"))
	if err != nil {
		t.Fatal(err)
	}

	// Every keyed row lands on exactly one shard, and equal keys land
	// together.
	shardOf := map[string]int{}
	total := 0
	for shard, data := range out {
		if shard < 0 {
			t.Fatalf("keyed rows must not broadcast: %q", data)
		}
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			key := strings.SplitN(line, "\t", 2)[0]
			if prev, ok := shardOf[key]; ok && prev != shard {
				t.Errorf("key %q split across shards %d and %d", key, prev, shard)
			}
			shardOf[key] = shard
			total++
		}
	}
	if total != 3 {
		t.Errorf("rows routed = %d, want 3", total)
	}
	if shardOf["1"] == shardOf["2"] && len(out) != 1 {
		t.Log("keys 1 and 2 hashed to the same shard; acceptable")
	}
}

func TestSplitterCarriesPartialLines(t *testing.T) {
	cluster := testCopyCluster(2)
	cs := newCopySplitter(testCopyInfo(false), cluster)

	out, err := cs.split([]byte("1\tvalue_a\n2\tval"))
	if err != nil {
		t.Fatal(err)
	}
	routed := 0
	for _, data := range out {
		routed += strings.Count(string(data), "\n")
	}
	if routed != 1 {
		t.Errorf("complete rows routed = %d, want 1", routed)
	}

	// The second frame completes the held row.
	out, err = cs.split([]byte("ue_b\n"))
	if err != nil {
		t.Fatal(err)
	}
	var line string
	for _, data := range out {
		line = string(data)
	}
	if !strings.Contains(line, "2\tvalue_b") {
		t.Errorf("reassembled row = %q", line)
	}
}

func TestSplitterCSVQuotes(t *testing.T) {
	fields := splitCopyFields([]byte(`1,"hello, world","say ""hi"""`), ',', true)
	if len(fields) != 3 {
		t.Fatalf("fields = %v", fields)
	}
	if fields[1] != "hello, world" {
		t.Errorf("quoted comma field = %q", fields[1])
	}
	if fields[2] != `say "hi"` {
		t.Errorf("escaped quote field = %q", fields[2])
	}
}

func TestSplitterHeaderBroadcasts(t *testing.T) {
	cluster := testCopyCluster(2)
	info := testCopyInfo(true)
	info.HasHeader = true
	cs := newCopySplitter(info, cluster)

	out, err := cs.split([]byte("id,value\n1,a\n"))
	if err != nil {
		t.Fatal(err)
	}
	broadcast, ok := out[-1]
	if !ok || !strings.Contains(string(broadcast), "id,value") {
		t.Error("header row should broadcast to every shard")
	}
}

func TestSplitterEndMarkerBroadcasts(t *testing.T) {
	cluster := testCopyCluster(2)
	cs := newCopySplitter(testCopyInfo(false), cluster)

	out, err := cs.split([]byte("1\ta\n\\.\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out[-1]), `\.`) {
		t.Error("end marker should broadcast")
	}
}

func TestSplitterBinaryBroadcasts(t *testing.T) {
	cluster := testCopyCluster(2)
	info := testCopyInfo(false)
	info.Binary = true
	cs := newCopySplitter(info, cluster)

	payload := []byte{0x50, 0x47, 0x43, 0x4f, 0x50, 0x59}
	out, err := cs.split(payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(out[-1]) != string(payload) {
		t.Error("binary COPY should broadcast verbatim")
	}
}
