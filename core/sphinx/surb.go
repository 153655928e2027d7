// surb.go - Single use reply blocks.
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

package sphinx

import (
	"errors"
	"io"

	"github.com/relaymix/relaymix/core/sphinx/geo"
	"github.com/relaymix/relaymix/core/sphinx/internal/crypto"
	"github.com/relaymix/relaymix/core/utils"
)

// A SURB is laid out as header | first hop | payload key | payload iv.
// Its opener holds the SPRP key and iv of every hop, last hop first,
// followed by the payload key and iv.
const sprpKeyMaterialLength = crypto.SPRPKeyLength + crypto.SPRPIVLength

var (
	errTruncatedSURB = errors.New("sphinx: invalid packet, truncated SURB")
	errPayloadLength = errors.New("sphinx: invalid payload length")
	errInvalidOpener = errors.New("sphinx: invalid SURB decryption keys")
)

// load fills k from the head of b and returns the rest.
func (k *sprpKey) load(b []byte) []byte {
	n := copy(k.key[:], b)
	n += copy(k.iv[:], b[n:])
	return b[n:]
}

// NewSURB builds the header of a reply block along path, keyed by secrets.
// It returns the SURB handed to the replier and the opener its owner keeps
// to read the reply.
func (s *Sphinx) NewSURB(r io.Reader, secrets *Secrets, path []*PathHop) (surb, opener []byte, err error) {
	var payloadKey [sprpKeyMaterialLength]byte
	if _, err = io.ReadFull(r, payloadKey[:]); err != nil {
		return nil, nil, err
	}
	defer utils.ExplicitBzero(payloadKey[:])

	hdr, hopKeys, err := s.createHeader(secrets, path)
	if err != nil {
		return nil, nil, err
	}

	opener = make([]byte, 0, sprpKeyMaterialLength*(len(path)+1))
	for i := len(path) - 1; i >= 0; i-- {
		opener = append(opener, hopKeys[i].key[:]...)
		opener = append(opener, hopKeys[i].iv[:]...)
		hopKeys[i].Reset()
	}
	opener = append(opener, payloadKey[:]...)

	surb = make([]byte, 0, s.geometry.SURBLength)
	surb = append(surb, hdr...)
	surb = append(surb, path[0].ID[:]...)
	surb = append(surb, payloadKey[:]...)
	return surb, opener, nil
}

// NewPacketFromSURB seals payload under the key carried by surb, and returns
// the reply packet with the hop it must be sent to.
func (s *Sphinx) NewPacketFromSURB(surb, payload []byte) ([]byte, *[geo.NodeIDLength]byte, error) {
	switch {
	case len(surb) != s.geometry.SURBLength:
		return nil, nil, errTruncatedSURB
	case len(payload) != s.geometry.ForwardPayloadLength:
		return nil, nil, errPayloadLength
	}

	hdrLen := s.geometry.HeaderLength
	firstHop := new([geo.NodeIDLength]byte)
	copy(firstHop[:], surb[hdrLen:])

	var k sprpKey
	defer k.Reset()
	k.load(surb[hdrLen+geo.NodeIDLength:])

	pkt := make([]byte, hdrLen, s.geometry.PacketLength)
	copy(pkt, surb[:hdrLen])
	pkt = append(pkt, make([]byte, s.geometry.PayloadTagLength)...)
	pkt = append(pkt, payload...)
	copy(pkt[hdrLen:], crypto.SPRPEncrypt(&k.key, &k.iv, pkt[hdrLen:]))
	return pkt, firstHop, nil
}

// DecryptSURBPayload opens a reply payload with the opener of its SURB.
// payload is left untouched, and opener is zeroed before returning.
func (s *Sphinx) DecryptSURBPayload(payload, opener []byte) ([]byte, error) {
	defer utils.ExplicitBzero(opener)

	nrKeys := len(opener) / sprpKeyMaterialLength
	if nrKeys < 1 || len(opener)%sprpKeyMaterialLength != 0 {
		return nil, errInvalidOpener
	}
	if len(payload) < s.geometry.PayloadTagLength {
		return nil, errTruncatedPayload
	}

	var k sprpKey
	defer k.Reset()

	// Every hop decrypted the payload once on its way back, so each of
	// their layers is undone by encrypting.  The last key is the replier's.
	b, rest := payload, opener
	for i := 0; i < nrKeys-1; i++ {
		rest = k.load(rest)
		b = crypto.SPRPEncrypt(&k.key, &k.iv, b)
	}
	k.load(rest)
	b = crypto.SPRPDecrypt(&k.key, &k.iv, b)

	if !utils.CtIsZero(b[:s.geometry.PayloadTagLength]) {
		return nil, errInvalidTag
	}
	return b[s.geometry.PayloadTagLength:], nil
}
