// Package sharding maps query key values onto shard numbers. The hash
// functions are treated as opaque 64-bit oracles; the rest of the proxy only
// sees Shards.Select.
package sharding

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// HashFunction is a 64-bit hash oracle over raw key bytes.
type HashFunction interface {
	Hash(key []byte) uint64
}

// XXHash implements HashFunction with xxHash64.
type XXHash struct{}

func (XXHash) Hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Murmur3Hash implements HashFunction with Murmur3.
type Murmur3Hash struct{}

func (Murmur3Hash) Hash(key []byte) uint64 {
	return murmur3.Sum64(key)
}

// New returns the hash function selected by name. xxhash is the default.
func New(name string) HashFunction {
	switch name {
	case "murmur3":
		return Murmur3Hash{}
	case "xxhash", "":
		return XXHash{}
	default:
		return XXHash{}
	}
}

// Combine64 folds a hash value into a running seed, matching boost-style
// hash_combine over 64 bits.
func Combine64(seed, value uint64) uint64 {
	return seed ^ (value + 0x9e3779b97f4a7c15 + (seed << 12) + (seed >> 4))
}

// DataType is the domain type of a sharding key column.
type DataType int

const (
	TypeBigint DataType = iota
	TypeUUID
	TypeText
)

// ParseDataType maps a config string onto a DataType.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "bigint", "int8", "integer", "int", "int4", "smallint", "int2":
		return TypeBigint, nil
	case "uuid":
		return TypeUUID, nil
	case "text", "varchar", "character varying":
		return TypeText, nil
	default:
		return 0, fmt.Errorf("sharding: unsupported data type %q", s)
	}
}

// Key is one decoded sharding key value.
type Key struct {
	typ   DataType
	bytes []byte
}

// DecodeKey parses the text representation of a key value into its domain
// type. Text that parses as the declared type hashes as that type, so
// "1" and the bigint 1 land on the same shard.
func DecodeKey(value string, typ DataType) (Key, error) {
	switch typ {
	case TypeBigint:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return Key{}, fmt.Errorf("sharding: bigint key %q: %w", value, err)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(n))
		return Key{typ: typ, bytes: buf}, nil
	case TypeUUID:
		raw, err := parseUUID(strings.TrimSpace(value))
		if err != nil {
			return Key{}, err
		}
		return Key{typ: typ, bytes: raw}, nil
	case TypeText:
		return Key{typ: typ, bytes: []byte(value)}, nil
	default:
		return Key{}, fmt.Errorf("sharding: unknown data type %d", typ)
	}
}

// BigintKey builds a key from an int64 without a text round-trip.
func BigintKey(n int64) Key {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return Key{typ: TypeBigint, bytes: buf}
}

func parseUUID(s string) ([]byte, error) {
	hex := strings.ReplaceAll(s, "-", "")
	if len(hex) != 32 {
		return nil, fmt.Errorf("sharding: malformed uuid %q", s)
	}
	raw := make([]byte, 16)
	for i := 0; i < 16; i++ {
		hi, ok1 := hexVal(hex[i*2])
		lo, ok2 := hexVal(hex[i*2+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("sharding: malformed uuid %q", s)
		}
		raw[i] = hi<<4 | lo
	}
	return raw, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Range maps a contiguous hash interval onto a shard.
type Range struct {
	Start uint64
	End   uint64 // inclusive
	Shard int
}

// Shards selects shard numbers for key values.
type Shards struct {
	count  int
	hash   HashFunction
	ranges []Range
}

// NewShards builds a selector over count shards using the given hash
// function. ranges, when non-empty, override the modulo mapping.
func NewShards(count int, hash HashFunction, ranges []Range) *Shards {
	if hash == nil {
		hash = XXHash{}
	}
	return &Shards{count: count, hash: hash, ranges: ranges}
}

// Count returns the number of shards.
func (s *Shards) Count() int {
	return s.count
}

// Select maps a key onto a shard number.
func (s *Shards) Select(key Key) int {
	h := Combine64(0, s.hash.Hash(key.bytes))
	if len(s.ranges) > 0 {
		for _, r := range s.ranges {
			if h >= r.Start && h <= r.End {
				return r.Shard
			}
		}
	}
	if s.count <= 0 {
		return 0
	}
	return int(h % uint64(s.count))
}

// SelectValue decodes value as typ and selects its shard.
func (s *Shards) SelectValue(value string, typ DataType) (int, error) {
	key, err := DecodeKey(value, typ)
	if err != nil {
		return 0, err
	}
	return s.Select(key), nil
}
