package pipeline

import (
	"github.com/dgallion1/cpcetl/internal/config"
	"github.com/dgallion1/cpcetl/internal/cpc"
	"github.com/dgallion1/cpcetl/internal/export"
	"github.com/dgallion1/cpcetl/internal/merge"
)

// Options are the per-run settings. Zero fields fall back to defaults.
type Options struct {
	Version     cpc.SchemaVersion     `json:"version,omitempty"`
	Force       bool                  `json:"force,omitempty"`
	Formats     []export.Format       `json:"formats,omitempty"`
	ValidSubset bool                  `json:"valid_subset,omitempty"`
	Duplicates  merge.DuplicatePolicy `json:"duplicates,omitempty"`
	Orphans     merge.OrphanPolicy    `json:"orphans,omitempty"`
	UseValidity bool                  `json:"use_validity"`
	UseSymbols  bool                  `json:"use_symbol_list"`
}

// OptionsFromConfig builds run options from validated configuration.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	var opts Options
	if cfg.Version != "" {
		v, err := cpc.ParseSchemaVersion(cfg.Version)
		if err != nil {
			return opts, err
		}
		opts.Version = v
	}
	formats, err := export.ParseFormats(cfg.ExportFormats)
	if err != nil {
		return opts, err
	}
	dup, err := merge.ParseDuplicatePolicy(cfg.DuplicatePolicy)
	if err != nil {
		return opts, err
	}
	orphans, err := merge.ParseOrphanPolicy(cfg.OrphanPolicy)
	if err != nil {
		return opts, err
	}
	opts.Force = cfg.ForceDownload
	opts.Formats = formats
	opts.ValidSubset = cfg.ExportValidSubset
	opts.Duplicates = dup
	opts.Orphans = orphans
	opts.UseValidity = cfg.UseValidityFile
	opts.UseSymbols = cfg.UseSymbolList
	return opts, nil
}

// Validate checks fields a caller may have set by hand.
func (o Options) Validate() error {
	if o.Version != "" {
		if _, err := cpc.ParseSchemaVersion(string(o.Version)); err != nil {
			return err
		}
	}
	for _, f := range o.Formats {
		if _, err := export.For(f); err != nil {
			return err
		}
	}
	if _, err := merge.ParseDuplicatePolicy(string(o.Duplicates)); err != nil {
		return err
	}
	if _, err := merge.ParseOrphanPolicy(string(o.Orphans)); err != nil {
		return err
	}
	return nil
}

func (o Options) withDefaults() Options {
	if len(o.Formats) == 0 {
		o.Formats = []export.Format{export.FormatCSV, export.FormatParquet}
	}
	if o.Duplicates == "" {
		o.Duplicates = merge.DuplicateFirst
	}
	if o.Orphans == "" {
		o.Orphans = merge.OrphanDrop
	}
	return o
}
