package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/nickcecere/facesync/internal/records"
)

// FormatVersion is the current snapshot format version.
const FormatVersion uint16 = 1

// Magic identifies a snapshot blob.
var Magic = [4]byte{'F', 'S', 'N', 'P'}

const headerSize = 8

// Compression is the body compression of a snapshot blob.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZSTD Compression = 1
	CompressionLZ4  Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZSTD:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name from configuration.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZSTD, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unsupported compression: %s", name)
	}
}

var (
	// ErrBadMagic means the blob is not a snapshot.
	ErrBadMagic = errors.New("not a snapshot: bad magic")
	// ErrUnsupportedVersion means the blob was written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported snapshot format version")
)

// Header is the fixed-size prefix of a snapshot blob.
// Layout: magic[4] | version uint16 LE | compression uint8 | reserved uint8.
type Header struct {
	Version     uint16
	Compression Compression
}

// ReadHeader parses the header of a snapshot blob.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, fmt.Errorf("snapshot too small for header: %d bytes", len(data))
	}
	if [4]byte(data[:4]) != Magic {
		return Header{}, ErrBadMagic
	}
	return Header{
		Version:     binary.LittleEndian.Uint16(data[4:6]),
		Compression: Compression(data[6]),
	}, nil
}

// Snapshot is the in-memory view of one persisted record store.
type Snapshot struct {
	Records   *records.Collection
	Checksums records.ChecksumSet
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Records:   records.NewCollection(),
		Checksums: records.NewChecksumSet(),
	}
}

// body is the JSON document after the header.
type body struct {
	FormatVersion uint16      `json:"format_version"`
	Dimensions    int         `json:"dimensions"`
	Keys          []string    `json:"keys"`
	Names         []string    `json:"names"`
	Vectors       [][]float32 `json:"vectors"`
	Checksums     []string    `json:"checksums"`
}

// Encode serializes a snapshot. Record order is preserved and checksums are
// written sorted so equal snapshots encode to equal bytes.
func Encode(snap *Snapshot, compression Compression) ([]byte, error) {
	if err := snap.Records.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}

	doc := body{
		FormatVersion: FormatVersion,
		Dimensions:    snap.Records.Dimensions(),
		Keys:          nonNil(snap.Records.Keys),
		Names:         nonNil(snap.Records.Names),
		Vectors:       snap.Records.Vectors,
		Checksums:     snap.Checksums.Sorted(),
	}
	if doc.Vectors == nil {
		doc.Vectors = [][]float32{}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	payload, err := compress(raw, compression)
	if err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}

	out := make([]byte, headerSize+len(payload))
	copy(out[:4], Magic[:])
	binary.LittleEndian.PutUint16(out[4:6], FormatVersion)
	out[6] = byte(compression)
	copy(out[headerSize:], payload)
	return out, nil
}

// Decode parses a snapshot blob and checks the record invariants.
func Decode(data []byte) (*Snapshot, error) {
	hdr, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if hdr.Version == 0 || hdr.Version > FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr.Version)
	}

	raw, err := decompress(data[headerSize:], hdr.Compression)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}

	var doc body
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	coll, err := records.FromSlices(doc.Keys, doc.Names, doc.Vectors)
	if err != nil {
		return nil, err
	}
	if coll.Len() != len(doc.Keys) {
		return nil, fmt.Errorf("snapshot contains duplicate keys")
	}
	for i, v := range coll.Vectors {
		if len(v) != doc.Dimensions {
			return nil, fmt.Errorf("vector %d has %d dimensions, header says %d", i, len(v), doc.Dimensions)
		}
	}

	return &Snapshot{
		Records:   coll,
		Checksums: records.NewChecksumSet(doc.Checksums...),
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZSTD:
		enc := getZstdEncoder()
		defer zstdEncoderPool.Put(enc)
		return enc.EncodeAll(data, nil), nil
	case CompressionLZ4:
		return compressLZ4(data)
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		return dec.DecodeAll(data, nil)
	case CompressionLZ4:
		return decompressLZ4(data)
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
}

// LZ4 bodies carry a block header: [uncompressed uint32][compressed uint32].
// A compressed size of 0 means the block is stored as is.
const lz4HeaderSize = 8

// lz4MaxRatio is the largest expansion an LZ4 block can encode.
const lz4MaxRatio = 255

func compressLZ4(data []byte) ([]byte, error) {
	buf := make([]byte, lz4HeaderSize+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(data)))

	n, err := lz4.CompressBlock(data, buf[lz4HeaderSize:], nil)
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(data) {
		binary.LittleEndian.PutUint32(buf[4:], 0)
		return append(buf[:lz4HeaderSize], data...), nil
	}
	binary.LittleEndian.PutUint32(buf[4:], uint32(n))
	return buf[:lz4HeaderSize+n], nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	if len(data) < lz4HeaderSize {
		return nil, errors.New("lz4 block too small for header")
	}
	size := binary.LittleEndian.Uint32(data[0:])
	compressed := binary.LittleEndian.Uint32(data[4:])
	data = data[lz4HeaderSize:]

	if compressed == 0 {
		if uint32(len(data)) != size {
			return nil, errors.New("lz4 block data size mismatch")
		}
		return data, nil
	}
	if uint32(len(data)) < compressed {
		return nil, errors.New("lz4 compressed block too small")
	}
	if uint64(size) > uint64(compressed)*lz4MaxRatio {
		return nil, fmt.Errorf("lz4 block claims %d bytes from %d compressed", size, compressed)
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[:compressed], out)
	if err != nil {
		return nil, err
	}
	if uint32(n) != size {
		return nil, errors.New("decompressed size mismatch")
	}
	return out, nil
}
