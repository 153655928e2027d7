// config.go - Relaymix node configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
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

// Package config provides the relaymix node configuration.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"

	"github.com/relaymix/relaymix/core/sphinx/geo"
	"github.com/relaymix/relaymix/core/tickets"
)

const (
	defaultLogLevel             = "NOTICE"
	defaultMaxHops              = 4
	defaultForwardPayloadLength = 2048
	defaultRbCapacity           = 15000
	defaultDistressThreshold    = 500
	defaultReplyOpenerCapacity  = 10000
	defaultMaxPseudonyms        = 10000
	defaultWinProbability       = 1.0
	defaultPrice                = "1"
	defaultAckTimeout           = 60 * 1000 // 60 sec.
	defaultFilterSizeLog2       = 27
	defaultFalsePositiveRate    = 0.001
	defaultTicketDB             = "tickets.db"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Sphinx is the packet format configuration.
type Sphinx struct {
	// MaxHops is the largest supported path length.
	MaxHops int

	// ForwardPayloadLength is the size of the packet payload in bytes.
	ForwardPayloadLength int
}

func (sCfg *Sphinx) applyDefaults() {
	if sCfg.MaxHops == 0 {
		sCfg.MaxHops = defaultMaxHops
	}
	if sCfg.ForwardPayloadLength == 0 {
		sCfg.ForwardPayloadLength = defaultForwardPayloadLength
	}
}

func (sCfg *Sphinx) validate() error {
	if sCfg.MaxHops < 1 || sCfg.MaxHops > geo.MaxNrHops {
		return fmt.Errorf("config: Sphinx: MaxHops %d is out of range [1, %d]", sCfg.MaxHops, geo.MaxNrHops)
	}
	if sCfg.ForwardPayloadLength < 1 {
		return errors.New("config: Sphinx: ForwardPayloadLength must be positive")
	}
	return nil
}

// Geometry returns the packet geometry described by the configuration.
func (sCfg *Sphinx) Geometry() *geo.Geometry {
	return geo.GeometryFromForwardPayloadLength(x25519.Scheme(rand.Reader), sCfg.ForwardPayloadLength, sCfg.MaxHops)
}

// SurbCache is the SURB store configuration.
type SurbCache struct {
	// RbCapacity is the number of SURBs kept per pseudonym.
	RbCapacity int

	// DistressThreshold is the remaining SURB count at or below which a
	// distress signal is raised.
	DistressThreshold int

	// ReplyOpenerCapacity is the number of reply openers retained.
	ReplyOpenerCapacity int

	// MaxPseudonyms is the number of pseudonyms SURBs are kept for.  The
	// least recently used pseudonym is dropped beyond it.
	MaxPseudonyms int
}

func (sCfg *SurbCache) applyDefaults() {
	if sCfg.RbCapacity == 0 {
		sCfg.RbCapacity = defaultRbCapacity
	}
	if sCfg.DistressThreshold == 0 && sCfg.RbCapacity > defaultDistressThreshold {
		sCfg.DistressThreshold = defaultDistressThreshold
	}
	if sCfg.ReplyOpenerCapacity == 0 {
		sCfg.ReplyOpenerCapacity = defaultReplyOpenerCapacity
	}
	if sCfg.MaxPseudonyms == 0 {
		sCfg.MaxPseudonyms = defaultMaxPseudonyms
	}
}

func (sCfg *SurbCache) validate() error {
	if sCfg.RbCapacity < 1 {
		return errors.New("config: SurbCache: RbCapacity must be positive")
	}
	if sCfg.DistressThreshold < 0 || sCfg.DistressThreshold >= sCfg.RbCapacity {
		return fmt.Errorf("config: SurbCache: DistressThreshold %d must be in [0, RbCapacity)", sCfg.DistressThreshold)
	}
	if sCfg.ReplyOpenerCapacity < 1 {
		return errors.New("config: SurbCache: ReplyOpenerCapacity must be positive")
	}
	if sCfg.MaxPseudonyms < 1 {
		return errors.New("config: SurbCache: MaxPseudonyms must be positive")
	}
	return nil
}

// Tickets is the ticket economics configuration.
type Tickets struct {
	// DefaultWinProbability is the winning probability of issued tickets.
	DefaultWinProbability float64

	// DefaultPrice is the price per relayed packet, as a base 10 integer.
	DefaultPrice string

	// MinWinProbability is the lowest winning probability accepted on
	// incoming tickets.  Zero accepts anything down to the smallest
	// encodable probability.
	MinWinProbability float64
}

func (tCfg *Tickets) applyDefaults() {
	if tCfg.DefaultWinProbability == 0 {
		tCfg.DefaultWinProbability = defaultWinProbability
	}
	if tCfg.DefaultPrice == "" {
		tCfg.DefaultPrice = defaultPrice
	}
}

func (tCfg *Tickets) validate() error {
	if _, err := tickets.EncodeWinProb(tCfg.DefaultWinProbability); err != nil {
		return fmt.Errorf("config: Tickets: DefaultWinProbability: %w", err)
	}
	if tCfg.MinWinProbability != 0 {
		if _, err := tickets.EncodeWinProb(tCfg.MinWinProbability); err != nil {
			return fmt.Errorf("config: Tickets: MinWinProbability: %w", err)
		}
	}
	if _, err := tCfg.Price(); err != nil {
		return err
	}
	return nil
}

// Price returns the parsed ticket price.
func (tCfg *Tickets) Price() (*big.Int, error) {
	p, ok := new(big.Int).SetString(tCfg.DefaultPrice, 10)
	if !ok || p.Sign() <= 0 {
		return nil, fmt.Errorf("config: Tickets: DefaultPrice '%v' is not a positive integer", tCfg.DefaultPrice)
	}
	return p, nil
}

// WinProb returns the encoded default winning probability.
func (tCfg *Tickets) WinProb() tickets.WinProb {
	wp, err := tickets.EncodeWinProb(tCfg.DefaultWinProbability)
	if err != nil {
		panic(err)
	}
	return wp
}

// MinWinProb returns the encoded minimum accepted winning probability.
func (tCfg *Tickets) MinWinProb() tickets.WinProb {
	if tCfg.MinWinProbability == 0 {
		return 1
	}
	wp, err := tickets.EncodeWinProb(tCfg.MinWinProbability)
	if err != nil {
		panic(err)
	}
	return wp
}

// Acknowledgements is the acknowledgement tracking configuration.
type Acknowledgements struct {
	// TimeoutMs is the time after which an unacknowledged packet is
	// considered lost.
	TimeoutMs int
}

// Timeout returns the acknowledgement timeout.
func (aCfg *Acknowledgements) Timeout() time.Duration {
	return time.Duration(aCfg.TimeoutMs) * time.Millisecond
}

// Replay is the replay filter configuration.
type Replay struct {
	// FilterSizeLog2 is the log2 of the bloom filter size in bits.
	FilterSizeLog2 int

	// FalsePositiveRate is the target false positive rate.
	FalsePositiveRate float64
}

func (rCfg *Replay) validate() error {
	if rCfg.FilterSizeLog2 < 10 || rCfg.FilterSizeLog2 > 40 {
		return fmt.Errorf("config: Replay: FilterSizeLog2 %d is out of range", rCfg.FilterSizeLog2)
	}
	if rCfg.FalsePositiveRate <= 0 || rCfg.FalsePositiveRate >= 1 {
		return fmt.Errorf("config: Replay: FalsePositiveRate %v is out of range", rCfg.FalsePositiveRate)
	}
	return nil
}

// Workers is the worker pool configuration.
type Workers struct {
	// NumCryptoWorkers is the number of packet crypto workers.
	NumCryptoWorkers int
}

// Storage is the persistent storage configuration.
type Storage struct {
	// DataDir is the absolute path to the node's state files.
	DataDir string

	// TicketDB is the ticket database file, relative to DataDir.
	TicketDB string
}

// TicketDBPath returns the absolute path of the ticket database.
func (sCfg *Storage) TicketDBPath() string {
	return filepath.Join(sCfg.DataDir, sCfg.TicketDB)
}

func (sCfg *Storage) validate() error {
	if sCfg.DataDir == "" {
		return errors.New("config: Storage: DataDir is not set")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Storage: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.TicketDB == "" {
		sCfg.TicketDB = defaultTicketDB
	}
	return nil
}

// Metrics is the prometheus endpoint configuration.
type Metrics struct {
	// Address is the address/port to bind the metrics endpoint to, empty
	// disables it.
	Address string
}

// Config is the top level relaymix node configuration.
type Config struct {
	Logging          *Logging
	Sphinx           *Sphinx
	SurbCache        *SurbCache
	Tickets          *Tickets
	Acknowledgements *Acknowledgements
	Replay           *Replay
	Workers          *Workers
	Storage          *Storage
	Metrics          *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	// The Storage section is mandatory, everything else is optional.
	if cfg.Storage == nil {
		return errors.New("config: No Storage block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Sphinx == nil {
		cfg.Sphinx = &Sphinx{}
	}
	if cfg.SurbCache == nil {
		cfg.SurbCache = &SurbCache{}
	}
	if cfg.Tickets == nil {
		cfg.Tickets = &Tickets{}
	}
	if cfg.Acknowledgements == nil {
		cfg.Acknowledgements = &Acknowledgements{}
	}
	if cfg.Acknowledgements.TimeoutMs == 0 {
		cfg.Acknowledgements.TimeoutMs = defaultAckTimeout
	}
	if cfg.Replay == nil {
		cfg.Replay = &Replay{}
	}
	if cfg.Replay.FilterSizeLog2 == 0 {
		cfg.Replay.FilterSizeLog2 = defaultFilterSizeLog2
	}
	if cfg.Replay.FalsePositiveRate == 0 {
		cfg.Replay.FalsePositiveRate = defaultFalsePositiveRate
	}
	if cfg.Workers == nil {
		cfg.Workers = &Workers{}
	}
	if cfg.Workers.NumCryptoWorkers <= 0 {
		cfg.Workers.NumCryptoWorkers = runtime.NumCPU()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	cfg.Sphinx.applyDefaults()
	cfg.SurbCache.applyDefaults()
	cfg.Tickets.applyDefaults()

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Sphinx.validate(); err != nil {
		return err
	}
	if err := cfg.SurbCache.validate(); err != nil {
		return err
	}
	if err := cfg.Tickets.validate(); err != nil {
		return err
	}
	if cfg.Acknowledgements.TimeoutMs < 0 {
		return errors.New("config: Acknowledgements: TimeoutMs must not be negative")
	}
	if err := cfg.Replay.validate(); err != nil {
		return err
	}
	return cfg.Storage.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
