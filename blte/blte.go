// Package blte decodes BLTE, the chunked compression container CASC
// wraps every archived file in. A blob is either a single raw/zlib
// chunk with no header table, or a header-described sequence of
// chunks, each independently checksummed and independently
// raw/zlib/encrypted/nested.
package blte

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zlib"
	"github.com/valyala/bytebufferpool"

	"github.com/freadblangks/gocasc/cascerr"
)

const magic = "BLTE"

// ChunkInfo is one entry of a BLTE header's chunk table.
type ChunkInfo struct {
	CompressedSize   uint32
	UncompressedSize uint32
	Checksum         [16]byte
}

// Header is the parsed form of a BLTE blob's header. Single-chunk
// blobs (HeaderSize == 0) carry no chunk table; Chunks is nil and
// UncompressedSize must be discovered by decoding.
type Header struct {
	HeaderSize uint32
	Flags      byte
	Chunks     []ChunkInfo
}

// ChunkCount returns the number of chunks described by the header, or
// 1 for a single-chunk (headerless) blob.
func (h Header) ChunkCount() int {
	if h.Chunks == nil {
		return 1
	}
	return len(h.Chunks)
}

// UncompressedSize sums the declared uncompressed size of every chunk
// in the header. It returns false when the blob is single-chunk and
// the header alone can't tell the size (the chunk must be decoded).
func (h Header) UncompressedSize() (uint64, bool) {
	if h.Chunks == nil {
		return 0, false
	}
	var total uint64
	for _, c := range h.Chunks {
		total += uint64(c.UncompressedSize)
	}
	return total, true
}

// ParseHeader reads a BLTE blob's magic and chunk table without
// decompressing any chunk body. It returns the header and the slice of
// blob immediately following the header (the chunk bodies, still
// compressed/encrypted/raw as applicable).
func ParseHeader(blob []byte) (Header, []byte, error) {
	if len(blob) < 8 || string(blob[:4]) != magic {
		return Header{}, nil, fmt.Errorf("%w: bad magic", cascerr.ErrInvalidBLTE)
	}
	headerSize := binary.BigEndian.Uint32(blob[4:8])
	if headerSize == 0 {
		return Header{HeaderSize: 0}, blob[8:], nil
	}
	if uint32(len(blob)) < headerSize {
		return Header{}, nil, fmt.Errorf("%w: header size %d exceeds blob length %d", cascerr.ErrInvalidBLTE, headerSize, len(blob))
	}
	if len(blob) < 12 {
		return Header{}, nil, fmt.Errorf("%w: truncated chunk-info preamble", cascerr.ErrInvalidBLTE)
	}
	flags := blob[8]
	chunkCount := uint32(blob[9])<<16 | uint32(blob[10])<<8 | uint32(blob[11])

	const entrySize = 24
	need := 12 + int(chunkCount)*entrySize
	if need > int(headerSize) || len(blob) < need {
		return Header{}, nil, fmt.Errorf("%w: chunk table overruns header", cascerr.ErrInvalidBLTE)
	}

	chunks := make([]ChunkInfo, chunkCount)
	off := 12
	for i := range chunks {
		e := blob[off : off+entrySize]
		chunks[i].CompressedSize = binary.BigEndian.Uint32(e[0:4])
		chunks[i].UncompressedSize = binary.BigEndian.Uint32(e[4:8])
		copy(chunks[i].Checksum[:], e[8:24])
		off += entrySize
	}

	return Header{HeaderSize: headerSize, Flags: flags, Chunks: chunks}, blob[headerSize:], nil
}

// Decode decompresses a BLTE blob's chunks in order, stopping once at
// least maxBytes of payload have been produced (the last chunk decoded
// may overshoot and is not truncated back to the boundary). When
// maxBytes is negative, every chunk is decoded.
func Decode(blob []byte, maxBytes int64) (Header, []byte, error) {
	header, body, err := ParseHeader(blob)
	if err != nil {
		return Header{}, nil, err
	}

	if header.Chunks == nil {
		out, err := decodeChunkBody(body, nil)
		if err != nil {
			return Header{}, nil, err
		}
		return header, out, nil
	}

	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)
	off := 0
	for i, c := range header.Chunks {
		if int(c.CompressedSize) > len(body)-off {
			return Header{}, nil, fmt.Errorf("%w: chunk %d compressed size overruns blob", cascerr.ErrInvalidBLTE, i)
		}
		chunkBytes := body[off : off+int(c.CompressedSize)]
		off += int(c.CompressedSize)

		decoded, err := decodeChunkBody(chunkBytes, &c)
		if err != nil {
			return Header{}, nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		out.Write(decoded)

		if maxBytes >= 0 && int64(out.Len()) >= maxBytes {
			break
		}
	}
	result := make([]byte, out.Len())
	copy(result, out.Bytes())
	return header, result, nil
}

// decodeChunkBody decodes a single chunk's mode-prefixed body. When
// info is non-nil, the chunk's raw bytes (mode byte included, before
// any decompression) are verified against its MD5 checksum, matching
// the wire checksum's definition.
func decodeChunkBody(raw []byte, info *ChunkInfo) ([]byte, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("%w: empty chunk body", cascerr.ErrInvalidBLTE)
	}

	if info != nil {
		sum := md5.Sum(raw)
		if sum != info.Checksum {
			return nil, fmt.Errorf("%w: checksum mismatch (got %x, want %x)", cascerr.ErrInvalidBLTE, sum, info.Checksum)
		}
	}

	mode := raw[0]
	payload := raw[1:]

	switch mode {
	case 'N':
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case 'Z':
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", cascerr.ErrInvalidBLTE, err)
		}
		defer zr.Close()
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		if _, err := buf.ReadFrom(zr); err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", cascerr.ErrInvalidBLTE, err)
		}
		out := make([]byte, buf.Len())
		copy(out, buf.Bytes())
		return out, nil
	case 'E':
		size := 0
		if info != nil {
			size = int(info.UncompressedSize)
		}
		return make([]byte, size), nil
	case 'F':
		_, nested, err := Decode(payload, -1)
		if err != nil {
			return nil, err
		}
		return nested, nil
	default:
		return nil, fmt.Errorf("%w: mode %q", cascerr.ErrUnsupportedBLTEMode, mode)
	}
}
