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

// Package raster turns decoded polylines into single-channel coverage
// masks. Both entry points are pure functions over their arguments: no
// shared state, safe to call concurrently from any number of decode tasks.
package raster

import (
	"sort"

	"gitlab.com/yawning/alphastream.git/container"
)

// Mask is a row-major, top-left-origin R8 coverage bitmap: 255 is opaque,
// 0 is transparent. Pix has exactly Width*Height bytes, stride == Width.
type Mask struct {
	Width, Height int
	Pix           []byte
}

// NewMask allocates a cleared (fully transparent) mask of the given size.
func NewMask(width, height int) Mask {
	return Mask{Width: width, Height: height, Pix: make([]byte, width*height)}
}

type edge struct {
	x0, y0, x1, y1 int32
}

// Rasterize fills every polyline of channels into a width x height mask
// using the even-odd rule. Edges from every channel are pooled before the
// scanline sweep, so overlapping channels combine rather than each being
// filled independently.
func Rasterize(channels []container.Polyline, width, height int) Mask {
	m := NewMask(width, height)
	if width <= 0 || height <= 0 {
		return m
	}

	var edges []edge
	for _, poly := range channels {
		for i := 0; i+1 < len(poly); i++ {
			p0, p1 := poly[i], poly[i+1]
			if p0.Y == p1.Y {
				// Degenerate horizontal edge: a valid segment, but it
				// contributes no scanline intercept.
				continue
			}
			edges = append(edges, edge{x0: p0.X, y0: p0.Y, x1: p1.X, y1: p1.Y})
		}
	}
	if len(edges) == 0 {
		return m
	}

	xs := make([]int, 0, len(edges))
	for y := 0; y < height; y++ {
		xs = xs[:0]
		for _, e := range edges {
			ymin, ymax := e.y0, e.y1
			if ymin > ymax {
				ymin, ymax = ymax, ymin
			}
			yi := int32(y)
			if yi < ymin || yi >= ymax {
				continue
			}
			xs = append(xs, scanlineIntercept(e, yi))
		}
		if len(xs) < 2 {
			continue
		}
		sort.Ints(xs)
		if len(xs)%2 != 0 {
			// Only possible from coincident-vertex precision edge cases;
			// drop the unmatched trailing intercept rather than fill past
			// the last real crossing.
			xs = xs[:len(xs)-1]
		}

		row := m.Pix[y*width : y*width+width]
		for i := 0; i+1 < len(xs); i += 2 {
			if xs[i+1] < 0 || xs[i] > width-1 {
				// Both intercepts fall on the same side of the canvas:
				// the span is fully off-canvas and contributes no fill,
				// rather than clamping onto the nearest edge pixel.
				continue
			}
			xa, xb := clip(xs[i], width), clip(xs[i+1], width)
			for x := xa; x <= xb; x++ {
				row[x] = 255
			}
		}
	}

	return m
}

// scanlineIntercept computes the integer x-intercept of edge e at the
// vertical centre of scanline y (y+0.5), using exact rational arithmetic
// scaled by 2 instead of floating point so the result is identical across
// platforms for the same integer inputs.
func scanlineIntercept(e edge, y int32) int {
	dx := int64(e.x1) - int64(e.x0)
	dy := int64(e.y1) - int64(e.y0)

	num := dx*(2*(int64(y)-int64(e.y0))+1) + int64(e.x0)*2*dy
	den := 2 * dy

	return int(floorDiv(num, den))
}

// floorDiv is integer division rounding toward negative infinity (Go's
// built-in / truncates toward zero).
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func clip(x, width int) int {
	if x < 0 {
		return 0
	}
	if x > width-1 {
		return width - 1
	}
	return x
}

// ResizeNN resamples src to a dw x dh mask using nearest-neighbour floor
// mapping. src is returned unmodified (as a shallow size check, not a
// copy) when the dimensions already match.
func ResizeNN(src Mask, dw, dh int) Mask {
	if src.Width == dw && src.Height == dh {
		return src
	}

	dst := NewMask(dw, dh)
	if dw == 0 || dh == 0 || src.Width == 0 || src.Height == 0 {
		return dst
	}

	for y := 0; y < dh; y++ {
		sy := y * src.Height / dh
		srow := src.Pix[sy*src.Width : sy*src.Width+src.Width]
		drow := dst.Pix[y*dw : y*dw+dw]
		for x := 0; x < dw; x++ {
			sx := x * src.Width / dw
			drow[x] = srow[sx]
		}
	}
	return dst
}

// PopCount returns the number of opaque (255) pixels in m, used by tests
// and callers that only need coverage area rather than the full bitmap.
func (m Mask) PopCount() int {
	n := 0
	for _, b := range m.Pix {
		if b != 0 {
			n++
		}
	}
	return n
}
