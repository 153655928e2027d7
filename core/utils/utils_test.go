// utils_test.go - Misc. utility routine tests.
// Copyright (C) 2026  The Relaymix Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCtIsZero(t *testing.T) {
	assert := assert.New(t)

	assert.True(CtIsZero(nil), "nil")
	assert.True(CtIsZero(make([]byte, 32)), "zero")

	b := make([]byte, 32)
	b[31] = 0x01
	assert.False(CtIsZero(b), "non-zero tail")
}

func TestExplicitBzero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	ExplicitBzero(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, Exists(dir))
	assert.False(t, Exists(filepath.Join(dir, "nope")))
}
