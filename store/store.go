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

// Package store defines the errors shared by every persistence backend.
// The backends themselves live in store/memstore and store/mongostore and
// implement the narrow interfaces each subsystem declares for itself
// (escrow.Store, roompool.Store, vaultreg.Store).
package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a conditional write loses its race,
	// e.g. a room lease CAS observing a non-available room.
	ErrConflict = errors.New("store: conflict")

	// ErrDuplicate is returned when inserting a record whose unique key
	// already exists.
	ErrDuplicate = errors.New("store: duplicate key")
)
