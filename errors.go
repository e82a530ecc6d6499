// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package nlock

import "errors"

var (
	// ErrProtocolViolation is returned when a caller releases or upgrades a
	// lock it does not hold, or presents a key that is not the head of the
	// chain. It always indicates a bug in the caller.
	ErrProtocolViolation = errors.New("nlock: lock protocol violation")

	// ErrLockedDown is returned for any new lock request made while the
	// manager is locked down.
	ErrLockedDown = errors.New("nlock: manager is locked down")

	// ErrUnknownRelation is returned for a relation that is neither concrete
	// nor All, or for All on a request that cannot fan out.
	ErrUnknownRelation = errors.New("nlock: unknown relation")
)
