// ticketdb.go - Persistent acknowledged ticket store.
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

// Package ticketdb implements the node ticket database with a simple boltdb
// based backend.
package ticketdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/relaymix/relaymix/core/tickets"
)

const (
	metadataBucket     = "metadata"
	acknowledgedBucket = "acknowledged"
	indicesBucket      = "indices"
	versionKey         = "version"
)

// ErrIndexExhausted is returned when a channel ran out of ticket indices.
var ErrIndexExhausted = errors.New("ticketdb: ticket index space exhausted")

// Store is the data access capability the ticket engine persists through.
type Store interface {
	// PutAcknowledged persists a winning ticket for redemption.
	PutAcknowledged(t *tickets.AcknowledgedTicket) error

	// NextTicketIndex returns a fresh index for a ticket on channel id.
	NextTicketIndex(id tickets.ChannelID) (uint64, error)
}

type ackRecord struct {
	Ticket   []byte `cbor:"1,keyasint"`
	Response []byte `cbor:"2,keyasint"`
	Signer   []byte `cbor:"3,keyasint"`
}

// DB is a bbolt backed Store.
type DB struct {
	sync.Mutex

	db *bolt.DB
}

// New creates (or loads) a ticket database with the given file name f.
func New(f string) (*DB, error) {
	var err error

	d := new(DB)
	d.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = d.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(acknowledgedBucket)); err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(indicesBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("ticketdb: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		d.db.Close()
		return nil, err
	}

	return d, nil
}

// PutAcknowledged implements Store.  Tickets are keyed by their hash, so
// storing the same ticket twice is idempotent.
func (d *DB) PutAcknowledged(t *tickets.AcknowledgedTicket) error {
	digest, err := t.Ticket.Hash()
	if err != nil {
		return err
	}
	raw, err := t.Ticket.MarshalBinary()
	if err != nil {
		return err
	}
	b, err := cbor.Marshal(&ackRecord{
		Ticket:   raw,
		Response: t.Response[:],
		Signer:   t.Signer[:],
	})
	if err != nil {
		return err
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(acknowledgedBucket))
		return bkt.Put(digest[:], b)
	})
}

// Acknowledged returns every stored acknowledged ticket.
func (d *DB) Acknowledged() ([]*tickets.AcknowledgedTicket, error) {
	var ret []*tickets.AcknowledgedTicket
	err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(acknowledgedBucket))
		return bkt.ForEach(func(k, v []byte) error {
			var rec ackRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("ticketdb: corrupted record %x: %w", k, err)
			}
			t := new(tickets.AcknowledgedTicket)
			if err := t.Ticket.UnmarshalBinary(rec.Ticket); err != nil {
				return fmt.Errorf("ticketdb: corrupted ticket %x: %w", k, err)
			}
			if len(rec.Response) != len(t.Response) || len(rec.Signer) != len(t.Signer) {
				return fmt.Errorf("ticketdb: corrupted record %x", k)
			}
			copy(t.Response[:], rec.Response)
			copy(t.Signer[:], rec.Signer)
			ret = append(ret, t)
			return nil
		})
	})
	return ret, err
}

// RemoveAcknowledged deletes a ticket, once redeemed.
func (d *DB) RemoveAcknowledged(t *tickets.Ticket) error {
	digest, err := t.Hash()
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(acknowledgedBucket)).Delete(digest[:])
	})
}

// NextTicketIndex implements Store.  Indices start at 1 and never repeat for
// a channel, across restarts.
func (d *DB) NextTicketIndex(id tickets.ChannelID) (uint64, error) {
	var idx uint64
	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(indicesBucket))
		if b := bkt.Get(id[:]); b != nil {
			if len(b) != 8 {
				return fmt.Errorf("ticketdb: corrupted index for channel %v", id)
			}
			idx = binary.BigEndian.Uint64(b)
		}
		if idx >= tickets.MaxIndex {
			return ErrIndexExhausted
		}
		idx++

		var b [8]byte
		binary.BigEndian.PutUint64(b[:], idx)
		return bkt.Put(id[:], b[:])
	})
	if err != nil {
		return 0, err
	}
	return idx, nil
}

// Close syncs and closes the database.
func (d *DB) Close() {
	d.Lock()
	defer d.Unlock()

	if d.db != nil {
		d.db.Sync()
		d.db.Close()
		d.db = nil
	}
}
