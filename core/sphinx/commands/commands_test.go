// commands_test.go - Tests for Per-hop Routing Info Commands.
// Copyright (C) 2017  Yawning Angel.
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

package commands

import (
	"crypto/rand"
	"testing"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymix/relaymix/core/sphinx/geo"
)

func testGeometry() *geo.Geometry {
	return geo.GeometryFromForwardPayloadLength(x25519.Scheme(rand.Reader), 512, 3)
}

func fillRand(require *require.Assertions, b []byte) {
	_, err := rand.Read(b)
	require.NoError(err, "failed to randomize buffer")
}

func toBytesTest(assert *assert.Assertions, b []byte, sz int, id commandID, values [][]byte) {
	assert.EqualValuesf(id, b[0], "(%d).ToBytes(): Invalid command", id)
	ptr := b[1:]
	for i, v := range values {
		l := len(v)
		assert.Equalf(v, ptr[:l], "(%d).ToBytes(): Field mismatch: %d", id, i)
		ptr = ptr[l:]
	}
	assert.Equalf(sz, len(b)-len(ptr), "(%d).ToBytes(): Invalid length", id)
}

func fromBytesTest(assert *assert.Assertions, g *geo.Geometry, b []byte, sz int, expected RoutingCommand) []byte {
	iCmd, rest, err := FromBytes(b, g)
	assert.NoError(err, "FromBytes() failed")
	assert.Equal(len(rest), len(b)-sz, "FromBytes(): Returned unexpected sized rest")
	assert.EqualValues(expected, iCmd, "FromBytes(): Returned unexpected command")
	return rest
}

func fromBytesErrorTest(assert *assert.Assertions, g *geo.Geometry, b []byte, s string) {
	iCmd, rest, err := FromBytes(b, g)
	assert.Nil(iCmd, "FromBytes(): Returned cmd for "+s)
	assert.Nil(rest, "FromBytes(): Returned rest for "+s)
	assert.Error(err, "FromBytes(): Returned success for "+s)
}

func TestCommands(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	g := testGeometry()

	// Tolerate 0 length input.
	var b []byte
	iCmd, rest, err := FromBytes(b, g)
	assert.Nil(iCmd, "FromBytes(): Returned cmd for null")
	assert.Nil(rest, "FromBytes(): Returned rest for null")
	assert.NoError(err, "FromBytes(): null command failed")

	off := 0

	// ProofOfRelay
	porCmd := &ProofOfRelay{}
	fillRand(require, porCmd.AckChallenge[:])
	fillRand(require, porCmd.NextTicketChallenge[:])
	porValues := [][]byte{porCmd.AckChallenge[:], porCmd.NextTicketChallenge[:]}
	b = porCmd.ToBytes(b)
	ser := b[off:]
	off = len(b)
	toBytesTest(assert, ser, g.ProofOfRelayLength, proofOfRelay, porValues)

	// NextNodeHop
	nextNodeHopCmd := &NextNodeHop{}
	fillRand(require, nextNodeHopCmd.ID[:])
	fillRand(require, nextNodeHopCmd.MAC[:])
	nextNodeHopValues := [][]byte{nextNodeHopCmd.ID[:], nextNodeHopCmd.MAC[:]}
	b = nextNodeHopCmd.ToBytes(b)
	ser = b[off:]
	off = len(b)
	toBytesTest(assert, ser, g.NextNodeHopLength, nextNodeHop, nextNodeHopValues)

	// SURBReply
	surbReplyCmd := &SURBReply{}
	fillRand(require, surbReplyCmd.ID[:])
	surbReplyValues := [][]byte{surbReplyCmd.ID[:]}
	b = surbReplyCmd.ToBytes(b)
	ser = b[off:]
	toBytesTest(assert, ser, g.SURBReplyLength, surbReply, surbReplyValues)

	// Null.
	b = append(b, []byte{0x00, 0x00, 0x00}...)

	b = fromBytesTest(assert, g, b, g.ProofOfRelayLength, porCmd)
	b = fromBytesTest(assert, g, b, g.NextNodeHopLength, nextNodeHopCmd)
	b = fromBytesTest(assert, g, b, g.SURBReplyLength, surbReplyCmd)

	iCmd, rest, err = FromBytes(b, g)
	assert.Nil(iCmd, "FromBytes(): Returned cmd instead of a null command")
	assert.Nil(rest, "FromBytes(): Returned rest after a null command")
	assert.NoError(err, "FromBytes(): Returned error for a null command")

	b = []byte{0x00, 0x00, 0x01}
	fromBytesErrorTest(assert, g, b, "a invalid null command")

	b = []byte{0xff, 0x00, 0x00}
	fromBytesErrorTest(assert, g, b, "a unknown command")
}

func TestCommandsTruncated(t *testing.T) {
	assert := assert.New(t)
	g := testGeometry()

	full := (&ProofOfRelay{}).ToBytes(nil)
	fromBytesErrorTest(assert, g, full[:len(full)-1], "a truncated proof_of_relay")

	full = (&NextNodeHop{}).ToBytes(nil)
	fromBytesErrorTest(assert, g, full[:len(full)-1], "a truncated next_node")

	full = (&SURBReply{}).ToBytes(nil)
	fromBytesErrorTest(assert, g, full[:len(full)-1], "a truncated surb_reply")
}
