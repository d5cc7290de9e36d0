/*
 * Copyright (c) 2014, Yawning Angel <yawning at torproject dot org>
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions are met:
 *
 *  * Redistributions of source code must retain the above copyright notice,
 *    this list of conditions and the following disclaimer.
 *
 *  * Redistributions in binary form must reproduce the above copyright notice,
 *    this list of conditions and the following disclaimer in the documentation
 *    and/or other materials provided with the distribution.
 *
 * THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
 * AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
 * LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
 * CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
 * SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
 * INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
 * CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
 * ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
 * POSSIBILITY OF SUCH DAMAGE.
 */

// Package container implements the AlphaStream on-disk format: a 16-byte
// header, a zlib-compressed sizes table, and a sequence of independently
// decodable frame blocks, each itself zlib-compressed and optionally
// ChaCha20-obscured per frame index. See format.go for the reader and
// writer.go for the writer half of the codec.
package container

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"

	"gitlab.com/yawning/alphastream.git/crypto"
	"gitlab.com/yawning/alphastream.git/internal/xlog"
	"gitlab.com/yawning/alphastream.git/transport"
)

var log = xlog.Get("container")

const (
	headerLen = 16

	magicPlaintext = "ASVP"
	magicVersion1  = "PLN1"
)

// Point is one vertex of a decoded polyline. Coordinates are widened to
// 32 bits during delta accumulation even though the wire base is 16-bit
// unsigned, so a long run of deltas cannot wrap.
type Point struct {
	X, Y int32
}

// Polyline is an ordered, not-necessarily-closed sequence of points. It is
// one channel within a frame.
type Polyline []Point

// Frame is the decoded payload of one container frame: one polyline per
// channel, in channel order.
type Frame []Polyline

// Reader provides random access to the frames of an opened container. It is
// safe for concurrent use: Open performs the only mutation (building the
// offsets table), and DecodeFrame thereafter only reads shared state plus
// whatever scratch buffers it allocates locally.
type Reader struct {
	src       transport.Source
	encrypted bool
	key       *crypto.Key

	bodyBase uint64
	sizes    []uint64
	offsets  []uint64 // len(sizes)+1, offsets[i] is the start of frame i
}

// Open reads the header and sizes table from src and returns a Reader ready
// to serve DecodeFrame calls. encrypted selects whether the header, sizes
// table, and each frame are ChaCha20-obscured; key is ignored when
// encrypted is false.
func Open(ctx context.Context, src transport.Source, encrypted bool, key *crypto.Key) (*Reader, error) {
	header, err := src.ReadRange(ctx, 0, headerLen)
	if err != nil {
		return nil, err
	}
	if len(header) != headerLen {
		return nil, MalformedHeaderError("short header read")
	}
	header = append([]byte(nil), header...) // ReadRange may return a borrowed slice

	var hdrCipher *crypto.Cipher
	if encrypted {
		hdrCipher, err = crypto.NewCipher(key, crypto.HeaderKeyID)
		if err != nil {
			return nil, err
		}
		hdrCipher.XOR(header)
	}

	compressedSizesLen := binary.LittleEndian.Uint32(header[12:16])
	bodyBase := uint64(headerLen) + uint64(compressedSizesLen)

	sizesRaw, err := src.ReadRange(ctx, headerLen, uint64(compressedSizesLen))
	if err != nil {
		return nil, err
	}
	if uint64(len(sizesRaw)) != uint64(compressedSizesLen) {
		return nil, MalformedSizesError("short sizes-table read")
	}
	sizesRaw = append([]byte(nil), sizesRaw...)
	if encrypted {
		// Continues the keystream started on the header above; the header
		// and sizes table are one logical encrypted region.
		hdrCipher.XOR(sizesRaw)
	}

	inflated, err := inflateAll(sizesRaw)
	if err != nil {
		return nil, MalformedSizesError("inflate failed: " + err.Error())
	}
	if len(inflated)%8 != 0 {
		return nil, MalformedSizesError("inflated sizes table is not a multiple of 8 bytes")
	}
	m := len(inflated) / 8
	sizes := make([]uint64, m)
	for i := 0; i < m; i++ {
		sizes[i] = binary.LittleEndian.Uint64(inflated[i*8 : i*8+8])
	}

	offsets := make([]uint64, m+1)
	offsets[0] = bodyBase
	for i := 0; i < m; i++ {
		offsets[i+1] = offsets[i] + sizes[i]
	}

	log.Debugf("opened container: %d frames, body_base=%d", m, bodyBase)

	return &Reader{
		src:       src,
		encrypted: encrypted,
		key:       key,
		bodyBase:  bodyBase,
		sizes:     sizes,
		offsets:   offsets,
	}, nil
}

// TotalFrames returns the frame count M established at Open time.
func (r *Reader) TotalFrames() uint64 {
	return uint64(len(r.sizes))
}

// DecodeFrame fetches, decrypts (if applicable), inflates, and parses frame
// i, returning its channels as polylines. It is FetchFrame followed by
// ParseFrame; callers that want to bound the I/O and CPU phases with
// separate concurrency limits (spec.md §5) should call those directly
// instead.
func (r *Reader) DecodeFrame(ctx context.Context, i uint64) (Frame, error) {
	block, err := r.FetchFrame(ctx, i)
	if err != nil {
		return nil, err
	}
	return r.ParseFrame(block)
}

// FetchFrame performs the I/O and decrypt phase of frame decode: a
// transport read for frame i's block, followed by the key-id-i keystream
// XOR when the container is encrypted. The returned bytes are ready for
// ParseFrame.
func (r *Reader) FetchFrame(ctx context.Context, i uint64) ([]byte, error) {
	m := uint64(len(r.sizes))
	if i >= m {
		return nil, &OutOfBoundsError{Index: i, Count: m}
	}

	cipherBytes, err := r.src.ReadRange(ctx, r.offsets[i], r.sizes[i])
	if err != nil {
		return nil, err
	}
	if uint64(len(cipherBytes)) != r.sizes[i] {
		return nil, MalformedFrameError("short frame read")
	}
	cipherBytes = append([]byte(nil), cipherBytes...)

	if r.encrypted {
		if err := crypto.XORKeystream(cipherBytes, r.key, uint32(i)); err != nil {
			return nil, err
		}
	}
	return cipherBytes, nil
}

// ParseFrame performs the CPU-bound phase of frame decode: inflate plus
// channel/polyline parse of a block previously returned by FetchFrame.
func (r *Reader) ParseFrame(block []byte) (Frame, error) {
	if len(block) < 4 {
		return nil, MalformedFrameError("frame block shorter than length prefix")
	}
	expectedLen := binary.LittleEndian.Uint32(block[0:4])

	payload, err := inflateExact(block[4:], int(expectedLen))
	if err != nil {
		return nil, &DecodeError{Reason: "length mismatch", Err: err}
	}

	return parseFramePayload(payload)
}

func parseFramePayload(payload []byte) (Frame, error) {
	if len(payload) < 4 {
		return nil, MalformedFrameError("payload shorter than channel_count")
	}
	channelCount := binary.LittleEndian.Uint32(payload[0:4])
	sizesTableEnd := 4 + 4*uint64(channelCount)
	if sizesTableEnd > uint64(len(payload)) {
		return nil, MalformedFrameError("channel size table overruns payload")
	}

	channelSizes := make([]uint32, channelCount)
	var sum uint64
	for c := uint32(0); c < channelCount; c++ {
		off := 4 + 4*c
		channelSizes[c] = binary.LittleEndian.Uint32(payload[off : off+4])
		sum += uint64(channelSizes[c])
	}

	if sizesTableEnd+sum != uint64(len(payload)) {
		return nil, MalformedFrameError("channel size sum disagrees with payload length")
	}

	frame := make(Frame, channelCount)
	cursor := sizesTableEnd
	for c := uint32(0); c < channelCount; c++ {
		b := channelSizes[c]
		if b < 6 || b%2 != 0 {
			return nil, MalformedFrameError("channel size must be even and >= 6")
		}
		chanBytes := payload[cursor : cursor+uint64(b)]
		cursor += uint64(b)

		frame[c] = decodePolyline(chanBytes)
	}

	return frame, nil
}

func decodePolyline(b []byte) Polyline {
	x := int32(binary.LittleEndian.Uint16(b[0:2]))
	y := int32(binary.LittleEndian.Uint16(b[2:4]))

	deltas := b[4:]
	n := len(deltas) / 2
	poly := make(Polyline, 0, n+1)
	poly = append(poly, Point{X: x, Y: y})

	for i := 0; i < n; i++ {
		dx := int8(deltas[i*2])
		dy := int8(deltas[i*2+1])
		x += int32(dx)
		y += int32(dy)
		poly = append(poly, Point{X: x, Y: y})
	}
	return poly
}

func inflateAll(compressed []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// inflateExact inflates compressed and requires the result to be exactly n
// bytes: neither truncated nor carrying trailing garbage.
func inflateExact(compressed []byte, n int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	buf := make([]byte, n)
	if _, err := io.ReadFull(zr, buf); err != nil {
		return nil, err
	}
	var extra [1]byte
	if k, _ := zr.Read(extra[:]); k > 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}
