// Copyright 2025 The escrowd Authors
// This file is part of the escrowd library.
//
// The escrowd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The escrowd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the escrowd library. If not, see <http://www.gnu.org/licenses/>.

package escrow

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure. Callers branch on the kind to pick
// the user-facing reply and the retry policy; the message carries detail.
type Kind int

const (
	// KindValidation rejects malformed input: bad amount, bad address,
	// unknown chain or token. Never retried.
	KindValidation Kind = iota + 1
	// KindUnauthorized rejects a caller without the required role.
	KindUnauthorized
	// KindNotFound reports a missing escrow, room or contract.
	KindNotFound
	// KindConflict rejects an operation invalid in the current state,
	// including duplicate submissions.
	KindConflict
	// KindResourceExhausted reports a depleted room pool or rate cap.
	KindResourceExhausted
	// KindTransientChain wraps RPC-level failures that a bounded retry
	// may clear.
	KindTransientChain
	// KindOnchainRevert wraps a mined-but-reverted transaction. Never
	// retried automatically; needs operator attention.
	KindOnchainRevert
	// KindInternal is everything else: bugs and broken invariants.
	KindInternal
)

// String returns the canonical taxonomy label.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case KindTransientChain:
		return "TRANSIENT_CHAIN"
	case KindOnchainRevert:
		return "ONCHAIN_REVERT"
	case KindInternal:
		return "INTERNAL"
	}
	return fmt.Sprintf("KIND_%d", int(k))
}

// Error is a classified failure. It wraps an optional cause so errors.Is
// and errors.As keep working through the classification layer.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, keeping it unwrappable.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report KindInternal; nil reports zero.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a bounded retry may clear the failure.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientChain
}
