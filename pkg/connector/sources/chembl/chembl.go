// Package chembl ingests ChEMBL bulk SDF archives. ChEMBL publishes no
// per-archive checksums, so downloads rely on aria2's size check and resume.
package chembl

import (
	"github.com/openmoleculedata/molingest/pkg/connector/core"
	"github.com/openmoleculedata/molingest/pkg/connector/registry"
	"github.com/openmoleculedata/molingest/pkg/connector/sources/sdfbulk"
)

const (
	defaultIdentifierTag = "ChEMBL_ID"
	defaultSMILESTag     = "CANONICAL_SMILES"
)

func init() {
	registry.RegisterSource("chembl", NewSource)
}

// NewSource builds a ChEMBL connector from a source definition.
func NewSource(cfg *core.SourceConfig) (core.Source, error) {
	var opts sdfbulk.Options
	if err := core.DecodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	if opts.IdentifierTag == "" {
		opts.IdentifierTag = defaultIdentifierTag
	}
	if opts.SMILESTag == "" {
		opts.SMILESTag = defaultSMILESTag
	}
	return sdfbulk.New(cfg, opts, nil)
}
