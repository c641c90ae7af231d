package db

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	resticRabin "github.com/restic/chunker"
	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

const configName = "config.json"

const (
	defCheckpointSize  = 64 * miB
	defMaxCaskSize     = 2048 * miB
	defAutoChunkCutoff = 16 * miB

	// minMaxCaskSize leaves room for a header, one record header and
	// the closing sequence.
	minMaxCaskSize = record.CaskHeaderRecordSize + sealReserve + record.HeaderSize
)

// Config is stored as config.json in the caskade directory.  Zero
// values are replaced by defaults on Initialize.
type Config struct {
	ID   cake.Cake `json:"id"`   // caskade id, assigned on Initialize
	Algo string    `json:"algo"` // digest algorithm, see cake.NewHash

	CheckpointSize  int64         `json:"checkpoint_size"`   // bytes between size-triggered checkpoints
	CheckpointTTL   time.Duration `json:"checkpoint_ttl"`    // max age of uncheckpointed bytes; 0 disables
	MaxCaskSize     int64         `json:"max_cask_size"`     // rollover threshold
	AutoChunkCutoff int64         `json:"auto_chunk_cutoff"` // WriteBytes payloads above this become block streams

	Poly     resticRabin.Pol `json:"poly"` // rabin polynomial for chunking
	MinChunk uint            `json:"min_chunk"`
	MaxChunk uint            `json:"max_chunk"`

	// ValidateOnOpen rehashes every data record while opening.
	ValidateOnOpen bool `json:"validate_on_open"`
	// Sync fsyncs the active cask after every checkpoint.
	Sync bool `json:"sync"`
}

func (cfg *Config) setDefaults() (err error) {
	if cfg.Algo == "" {
		cfg.Algo = cake.DefaultAlgo
	}
	if cfg.CheckpointSize == 0 {
		cfg.CheckpointSize = defCheckpointSize
	}
	if cfg.MaxCaskSize == 0 {
		cfg.MaxCaskSize = defMaxCaskSize
	}
	if cfg.AutoChunkCutoff == 0 {
		cfg.AutoChunkCutoff = defAutoChunkCutoff
	}
	if cfg.MinChunk == 0 {
		cfg.MinChunk = defMinSize
	}
	if cfg.MaxChunk == 0 {
		cfg.MaxChunk = defMaxSize
	}
	if cfg.Poly == 0 {
		cfg.Poly, err = resticRabin.RandomPolynomial()
	}
	return
}

func (cfg *Config) validate() error {
	_, err := cake.NewHash(cfg.Algo)
	if err != nil {
		return err
	}
	switch {
	case cfg.MaxCaskSize < minMaxCaskSize:
		return fmt.Errorf("max_cask_size %d is below the minimum of %d", cfg.MaxCaskSize, minMaxCaskSize)
	case cfg.MaxCaskSize > math.MaxUint32:
		return fmt.Errorf("max_cask_size %d does not fit a 32 bit offset", cfg.MaxCaskSize)
	case cfg.CheckpointSize < 0 || cfg.CheckpointTTL < 0 || cfg.AutoChunkCutoff < 0:
		return fmt.Errorf("negative limit in config")
	case cfg.MaxChunk < cfg.MinChunk:
		return fmt.Errorf("max_chunk %d is below min_chunk %d", cfg.MaxChunk, cfg.MinChunk)
	}
	return nil
}

func (cfg *Config) save(dir string) (err error) {
	buf, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return
	}
	buf = append(buf, '\n')
	return renameio.WriteFile(filepath.Join(dir, configName), buf, 0644)
}

func loadConfig(dir string) (cfg *Config, err error) {
	buf, err := ioutil.ReadFile(filepath.Join(dir, configName))
	if os.IsNotExist(err) {
		return nil, &NotCaskadeError{Dir: dir}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading config in %s", dir)
	}
	cfg = &Config{}
	err = json.Unmarshal(buf, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", filepath.Join(dir, configName))
	}
	err = cfg.validate()
	if err != nil {
		return nil, errors.Wrapf(err, "invalid config in %s", dir)
	}
	return
}
