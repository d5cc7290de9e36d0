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

package alphastream

import "fmt"

// ErrorCode is the foreign-boundary error taxonomy of spec.md §6/§7.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrNotReady
	ErrTimeout
	ErrDecode
	ErrTransport
	ErrOutOfBounds
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "None"
	case ErrNotReady:
		return "NotReady"
	case ErrTimeout:
		return "Timeout"
	case ErrDecode:
		return "Decode"
	case ErrTransport:
		return "Transport"
	case ErrOutOfBounds:
		return "OutOfBounds"
	default:
		return "Unknown"
	}
}

// ErrorRecord is the per-instance last-error state returned by
// Processor.LastError: a code plus a human-readable message. It is updated
// on every failing call and is not cleared by a subsequent success; the
// caller must call Processor.ClearError explicitly.
type ErrorRecord struct {
	Code    ErrorCode
	Message string
}

// ErrInvalidOption is returned by builder setters and Build when an option
// value falls outside its validated range (spec.md §4.8).
type ErrInvalidOption struct {
	Option string
	Value  interface{}
	Reason string
}

func (e *ErrInvalidOption) Error() string {
	return fmt.Sprintf("alphastream: invalid option %s=%v: %s", e.Option, e.Value, e.Reason)
}
