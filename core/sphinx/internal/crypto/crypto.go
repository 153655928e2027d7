// crypto.go - Cryptographic primitive wrappers.
// Copyright (C) 2017  Yawning Angel.
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

// Package crypto provides the cryptographic primitives used by the Sphinx
// packet format.
package crypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/katzenpost/hpqc/nike"
	"gitlab.com/yawning/aez.git"
	"gitlab.com/yawning/bsaes.git"
	"golang.org/x/crypto/hkdf"

	"github.com/relaymix/relaymix/core/utils"
)

const (
	// HashLength is the output size of the unkeyed hash in bytes.
	HashLength = sha512.Size256

	// MACKeyLength is the key size of the MAC in bytes.
	MACKeyLength = 32

	// MACLength is the tag size of the MAC in bytes.
	MACLength = 16

	// StreamKeyLength is the key size of the stream cipher in bytes.
	StreamKeyLength = 16

	// StreamIVLength is the IV size of the stream cipher in bytes.
	StreamIVLength = 16

	// SPRPKeyLength is the key size of the SPRP in bytes.
	SPRPKeyLength = 48

	// SPRPIVLength is the IV size of the SPRP in bytes.
	SPRPIVLength = StreamIVLength

	// PoRSeedLength is the length of each proof-of-relay seed in bytes.
	PoRSeedLength = 32

	kdfInfo = "relaymix-kdf-v0-hkdf-sha256"
)

type resetable interface {
	Reset()
}

type macWrapper struct {
	hash.Hash
}

func (m *macWrapper) Sum(b []byte) []byte {
	tmp := m.Hash.Sum(nil)
	b = append(b, tmp[0:MACLength]...)
	return b
}

// Stream is the Sphinx stream cipher.
type Stream struct {
	cipher.Stream
}

// KeyStream fills the buffer dst with key stream output.
func (s *Stream) KeyStream(dst []byte) {
	utils.ExplicitBzero(dst)
	s.XORKeyStream(dst, dst)
}

// Reset clears the Stream instance such that no sensitive data is left in
// memory.
func (s *Stream) Reset() {
	if r, ok := s.Stream.(resetable); ok {
		r.Reset()
	}
}

// Hash returns the digest of msg.
func Hash(msg []byte) [HashLength]byte {
	return sha512.Sum512_256(msg)
}

// NewMAC returns a new hash.Hash implementing the Sphinx MAC with the
// provided key.
func NewMAC(key *[MACKeyLength]byte) hash.Hash {
	return &macWrapper{hmac.New(sha256.New, key[:])}
}

// NewStream returns a new Stream implementing the Sphinx Stream Cipher with
// the provided key and IV.
func NewStream(key *[StreamKeyLength]byte, iv *[StreamIVLength]byte) *Stream {
	blk, err := bsaes.NewCipher(key[:])
	if err != nil {
		panic("crypto/NewStream: failed to create AES instance: " + err.Error())
	}
	return &Stream{cipher.NewCTR(blk, iv[:])}
}

// SPRPEncrypt returns the ciphertext of the message msg, encrypted via the
// Sphinx SPRP with the provided key and IV.
func SPRPEncrypt(key *[SPRPKeyLength]byte, iv *[SPRPIVLength]byte, msg []byte) []byte {
	return aez.Encrypt(key[:], iv[:], nil, 0, msg, nil)
}

// SPRPDecrypt returns the plaintext of the message msg, decrypted via the
// Sphinx SPRP with the provided key and IV.
func SPRPDecrypt(key *[SPRPKeyLength]byte, iv *[SPRPIVLength]byte, msg []byte) []byte {
	dst, ok := aez.Decrypt(key[:], iv[:], nil, 0, msg, nil)
	if !ok {
		// tau = 0 has no authenticator, so this can only be an AEZ bug.
		panic("crypto/SPRPDecrypt: BUG - aez.Decrypt failed with tau = 0")
	}
	return dst
}

// PacketKeys are the per-hop Sphinx Packet Keys, derived from the blinded
// DH key exchange.
type PacketKeys struct {
	HeaderMAC          [MACKeyLength]byte
	HeaderEncryption   [StreamKeyLength]byte
	HeaderEncryptionIV [StreamIVLength]byte
	PayloadEncryption  [SPRPKeyLength]byte
	BlindingFactor     nike.PrivateKey

	// OwnKey and AckKey seed the proof-of-relay half keys of the hop.
	OwnKey [PoRSeedLength]byte
	AckKey [PoRSeedLength]byte
}

// Reset clears the PacketKeys structure such that no sensitive data is left
// in memory.
func (k *PacketKeys) Reset() {
	utils.ExplicitBzero(k.HeaderMAC[:])
	utils.ExplicitBzero(k.HeaderEncryption[:])
	utils.ExplicitBzero(k.HeaderEncryptionIV[:])
	utils.ExplicitBzero(k.PayloadEncryption[:])
	utils.ExplicitBzero(k.OwnKey[:])
	utils.ExplicitBzero(k.AckKey[:])
	if k.BlindingFactor != nil {
		k.BlindingFactor.Reset()
	}
}

// KDF returns the Sphinx Packet Keys for the provided shared secret.
func KDF(ikm []byte, scheme nike.Scheme) (*PacketKeys, error) {
	blindLen := scheme.PrivateKeySize()
	okmLength := MACKeyLength + StreamKeyLength + StreamIVLength + SPRPKeyLength + blindLen + 2*PoRSeedLength

	okm := make([]byte, okmLength)
	defer utils.ExplicitBzero(okm)
	if _, err := hkdf.Expand(sha256.New, ikm, []byte(kdfInfo)).Read(okm); err != nil {
		return nil, err
	}
	ptr := okm

	k := new(PacketKeys)
	copy(k.HeaderMAC[:], ptr[:MACKeyLength])
	ptr = ptr[MACKeyLength:]
	copy(k.HeaderEncryption[:], ptr[:StreamKeyLength])
	ptr = ptr[StreamKeyLength:]
	copy(k.HeaderEncryptionIV[:], ptr[:StreamIVLength])
	ptr = ptr[StreamIVLength:]
	copy(k.PayloadEncryption[:], ptr[:SPRPKeyLength])
	ptr = ptr[SPRPKeyLength:]

	k.BlindingFactor = scheme.NewEmptyPrivateKey()
	if err := k.BlindingFactor.FromBytes(ptr[:blindLen]); err != nil {
		return nil, err
	}
	ptr = ptr[blindLen:]

	copy(k.OwnKey[:], ptr[:PoRSeedLength])
	ptr = ptr[PoRSeedLength:]
	copy(k.AckKey[:], ptr[:PoRSeedLength])

	return k, nil
}
