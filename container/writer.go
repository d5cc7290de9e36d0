package container

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zlib"

	"gitlab.com/yawning/alphastream.git/crypto"
)

// Writer buffers whole frames and emits a container byte-for-byte valid for
// Open/DecodeFrame once Finish is called. It is two-phase: AddFrame
// accumulates, Finish does all the compression, sizing, and (optional)
// encryption work in one pass.
type Writer struct {
	encrypted bool
	key       *crypto.Key
	frames    []Frame
}

// NewWriter returns a Writer for the encrypted or plaintext container
// variant. key is ignored when encrypted is false.
func NewWriter(encrypted bool, key *crypto.Key) *Writer {
	return &Writer{encrypted: encrypted, key: key}
}

// AddFrame buffers f as the next frame. Frames are emitted in the order
// added.
func (w *Writer) AddFrame(f Frame) {
	w.frames = append(w.frames, f)
}

// Finish compresses and (if applicable) encrypts every buffered frame and
// the header/sizes-table region, and returns the complete container bytes.
func (w *Writer) Finish() ([]byte, error) {
	frameBlocks := make([][]byte, len(w.frames))
	for i, f := range w.frames {
		block, err := encodeFrameBlock(f)
		if err != nil {
			return nil, fmt.Errorf("container: encode frame %d: %w", i, err)
		}
		if w.encrypted {
			if err := crypto.XORKeystream(block, w.key, uint32(i)); err != nil {
				return nil, err
			}
		}
		frameBlocks[i] = block
	}

	sizes := make([]uint64, len(frameBlocks))
	for i, b := range frameBlocks {
		sizes[i] = uint64(len(b))
	}
	sizesTable := encodeSizesTable(sizes)

	compressedSizes, err := zlibCompress(sizesTable)
	if err != nil {
		return nil, fmt.Errorf("container: compress sizes table: %w", err)
	}

	header := make([]byte, headerLen)
	if !w.encrypted {
		copy(header[0:4], magicPlaintext)
		copy(header[4:8], magicVersion1)
		binary.LittleEndian.PutUint32(header[8:12], uint32(len(w.frames)))
	}
	// Encrypted variant: bytes 0..11 stay zero (see DESIGN.md, Open Question (a)).
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(compressedSizes)))

	if w.encrypted {
		c, err := crypto.NewCipher(w.key, crypto.HeaderKeyID)
		if err != nil {
			return nil, err
		}
		c.XOR(header)
		c.XOR(compressedSizes)
	}

	var out bytes.Buffer
	out.Grow(headerLen + len(compressedSizes) + sumLens(frameBlocks))
	out.Write(header)
	out.Write(compressedSizes)
	for _, b := range frameBlocks {
		out.Write(b)
	}
	return out.Bytes(), nil
}

// encodeFrameBlock produces the plaintext frame block: a 4-byte
// expected_uncompressed_len prefix followed by the zlib-compressed payload.
func encodeFrameBlock(f Frame) ([]byte, error) {
	payload := encodeFramePayload(f)

	compressed, err := zlibCompress(payload)
	if err != nil {
		return nil, err
	}

	block := make([]byte, 4+len(compressed))
	binary.LittleEndian.PutUint32(block[0:4], uint32(len(payload)))
	copy(block[4:], compressed)
	return block, nil
}

func encodeFramePayload(f Frame) []byte {
	channelBytes := make([][]byte, len(f))
	for i, poly := range f {
		channelBytes[i] = encodePolyline(poly)
	}

	size := 4 + 4*len(f)
	for _, cb := range channelBytes {
		size += len(cb)
	}

	payload := make([]byte, size)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(f)))
	cursor := 4 + 4*len(f)
	for i, cb := range channelBytes {
		binary.LittleEndian.PutUint32(payload[4+4*i:4+4*i+4], uint32(len(cb)))
	}
	for _, cb := range channelBytes {
		copy(payload[cursor:], cb)
		cursor += len(cb)
	}
	return payload
}

// encodePolyline lays out poly as a 16-bit unsigned base followed by
// signed 8-bit deltas, per channel layout (§4.3). Poly must have at least
// one point, and every coordinate (absolute base, and every step delta)
// must fit the wire width; callers constructing frames from untrusted or
// rasterizer-derived geometry are responsible for staying in range.
func encodePolyline(poly Polyline) []byte {
	b := make([]byte, 4+2*(len(poly)-1))
	binary.LittleEndian.PutUint16(b[0:2], uint16(poly[0].X))
	binary.LittleEndian.PutUint16(b[2:4], uint16(poly[0].Y))

	x, y := poly[0].X, poly[0].Y
	for i := 1; i < len(poly); i++ {
		dx := int8(poly[i].X - x)
		dy := int8(poly[i].Y - y)
		b[4+2*(i-1)] = byte(dx)
		b[4+2*(i-1)+1] = byte(dy)
		x, y = poly[i].X, poly[i].Y
	}
	return b
}

func encodeSizesTable(sizes []uint64) []byte {
	b := make([]byte, 8*len(sizes))
	for i, s := range sizes {
		binary.LittleEndian.PutUint64(b[i*8:i*8+8], s)
	}
	return b
}

func zlibCompress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sumLens(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}
