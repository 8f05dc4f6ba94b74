// Copyright 2026 The rxkernel Authors
// This file is part of rxkernel.
//
// rxkernel is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// rxkernel is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with rxkernel. If not, see <http://www.gnu.org/licenses/>.

// Package collection implements the chained open-addressed hash table that
// backs the interpreter's associative containers: an identity-keyed map, a
// value-keyed map, a case-folding string directory, and a multi-valued
// set/bag.
//
// The storage layer (Contents) and the policy layer (Collection) are kept
// separate so that bucket layout, chaining, and rehashing live in one place
// regardless of which hashing/equality policy a particular Collection uses.
package collection
