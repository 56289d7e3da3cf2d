// Package objval implements the serialization bridge between in-memory
// value objects and the self-describing byte payload written to disk.
package objval

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/rlp"
)

// Kind tags the shape of a Value, carried as the first byte of every
// encoded payload.
type Kind byte

const (
	KindString Kind = iota + 1
	KindList
	KindSet
	KindZSet
	KindHash
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindZSet:
		return "zset"
	case KindHash:
		return "hash"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Value is the in-memory object NDS persists. The core never introspects
// the payload beyond its Kind; it only serializes and restores it.
type Value struct {
	Kind    Kind
	Str     []byte            // KindString
	List    [][]byte          // KindList
	Members [][]byte          // KindSet
	ZSet    []ZMember         // KindZSet
	Hash    map[string][]byte // KindHash
}

// ZMember is one (member, score) pair of a sorted set.
type ZMember struct {
	Member []byte
	Score  float64
}

const (
	expireMarker  byte  = 0xFC // mirrors the source format's EXPIRETIME_MS opcode
	formatVersion uint16 = 1
	footerLen            = 8 // trailing xxhash64
)

// rlp-friendly mirrors of Value's variable-shape fields, since rlp cannot
// encode map[string][]byte or a Kind-discriminated union directly.
type hashEntry struct {
	Field []byte
	Val   []byte
}

type zEntry struct {
	Member []byte
	Score  uint64 // IEEE-754 bit pattern, so ordering/equality survive the round trip exactly
}

type body struct {
	Str     []byte
	List    [][]byte
	Members [][]byte
	ZSet    []zEntry
	Hash    []hashEntry
}

func toBody(v *Value) body {
	b := body{Str: v.Str, List: v.List, Members: v.Members}
	for _, z := range v.ZSet {
		b.ZSet = append(b.ZSet, zEntry{Member: z.Member, Score: math.Float64bits(z.Score)})
	}
	if v.Hash != nil {
		keys := make([]string, 0, len(v.Hash))
		for k := range v.Hash {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.Hash = append(b.Hash, hashEntry{Field: []byte(k), Val: v.Hash[k]})
		}
	}
	return b
}

func fromBody(kind Kind, b body) *Value {
	v := &Value{Kind: kind, Str: b.Str, List: b.List, Members: b.Members}
	for _, z := range b.ZSet {
		v.ZSet = append(v.ZSet, ZMember{Member: z.Member, Score: math.Float64frombits(z.Score)})
	}
	if len(b.Hash) > 0 {
		v.Hash = make(map[string][]byte, len(b.Hash))
		for _, e := range b.Hash {
			v.Hash[string(e.Field)] = e.Val
		}
	}
	return v
}

// Encode writes typeTag, the RLP-encoded type-specific body, an optional
// EXPIRETIME_MS trailer, a format version, and a trailing xxhash64 footer
// covering everything before it.
func Encode(v *Value, expireAtMs *int64) []byte {
	payload, err := rlp.EncodeToBytes(toBody(v))
	if err != nil {
		// toBody only ever produces plain slices/structs: a failure here
		// means a Value was built with an unsupported Kind, a programmer error.
		panic(fmt.Sprintf("objval: encode failed: %v", err))
	}

	buf := make([]byte, 0, 1+len(payload)+9+2+footerLen)
	buf = append(buf, byte(v.Kind))
	buf = append(buf, payload...)
	if expireAtMs != nil {
		buf = append(buf, expireMarker)
		var ts [8]byte
		binary.LittleEndian.PutUint64(ts[:], uint64(*expireAtMs))
		buf = append(buf, ts[:]...)
	}
	var ver [2]byte
	binary.LittleEndian.PutUint16(ver[:], formatVersion)
	buf = append(buf, ver[:]...)

	sum := xxhash.Sum64(buf)
	var sumBuf [8]byte
	binary.LittleEndian.PutUint64(sumBuf[:], sum)
	buf = append(buf, sumBuf[:]...)
	return buf
}

var (
	// ErrTruncated indicates a payload shorter than the minimum possible frame.
	ErrTruncated = errors.New("objval: payload truncated")
	// ErrChecksum indicates the trailing xxhash did not match.
	ErrChecksum = errors.New("objval: checksum mismatch")
	// ErrUnknownKind indicates an unrecognized type tag.
	ErrUnknownKind = errors.New("objval: unknown value kind")
)

// Verify recomputes the trailing xxhash over b and compares it against the
// footer. It must be called before Decode on anything read from disk.
func Verify(b []byte) error {
	if len(b) < 1+2+footerLen {
		return ErrTruncated
	}
	body := b[:len(b)-footerLen]
	want := binary.LittleEndian.Uint64(b[len(b)-footerLen:])
	got := xxhash.Sum64(body)
	if got != want {
		return ErrChecksum
	}
	return nil
}

// Decode parses the type tag, RLP-decodes the type-specific body, and
// optionally parses the EXPIRETIME_MS trailer. Callers must call Verify
// first; Decode does not re-check the checksum.
func Decode(b []byte) (*Value, *int64, error) {
	if len(b) < 1+2+footerLen {
		return nil, nil, ErrTruncated
	}
	kind := Kind(b[0])
	switch kind {
	case KindString, KindList, KindSet, KindZSet, KindHash:
	default:
		return nil, nil, ErrUnknownKind
	}

	rest := b[1 : len(b)-footerLen-2] // strip tag, version, footer

	// RLP is self-delimiting: split off exactly the bytes the encoded body
	// item consumes, rather than guessing its length from the tail, so a
	// body whose own bytes happen to contain 0xFC is never misread as the
	// EXPIRETIME_MS marker.
	_, _, tail, err := rlp.Split(rest)
	if err != nil {
		return nil, nil, fmt.Errorf("objval: rlp split: %w", err)
	}
	bodyBytes := rest[:len(rest)-len(tail)]

	var expireAtMs *int64
	switch {
	case len(tail) == 0:
	case len(tail) == 9 && tail[0] == expireMarker:
		ts := int64(binary.LittleEndian.Uint64(tail[1:9]))
		expireAtMs = &ts
	default:
		return nil, nil, fmt.Errorf("objval: unexpected trailer of length %d", len(tail))
	}

	var bd body
	if err := rlp.DecodeBytes(bodyBytes, &bd); err != nil {
		return nil, nil, fmt.Errorf("objval: rlp decode: %w", err)
	}
	return fromBody(kind, bd), expireAtMs, nil
}
