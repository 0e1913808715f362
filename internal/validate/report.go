package validate

import "github.com/dgallion1/cpcetl/internal/cpc"

// MaxSamples caps how many invalid symbols a Report remembers per reason.
const MaxSamples = 20

// Report aggregates validation results for logging.
type Report struct {
	Checked  int                     `json:"checked"`
	Valid    int                     `json:"valid"`
	Invalid  int                     `json:"invalid"`
	ByReason map[Reason]int          `json:"by_reason"`
	Samples  map[Reason][]cpc.Symbol `json:"-"`
}

// NewReport returns an empty report.
func NewReport() *Report {
	return &Report{
		ByReason: make(map[Reason]int),
		Samples:  make(map[Reason][]cpc.Symbol),
	}
}

// Add tallies one result.
func (r *Report) Add(sym cpc.Symbol, res Result) {
	r.Checked++
	r.ByReason[res.Reason]++
	if res.Valid {
		r.Valid++
		return
	}
	r.Invalid++
	if len(r.Samples[res.Reason]) < MaxSamples {
		r.Samples[res.Reason] = append(r.Samples[res.Reason], sym)
	}
}

// HasMismatches reports whether any symbol failed validation.
func (r *Report) HasMismatches() bool { return r.Invalid > 0 }

// SampleStrings returns the remembered invalid symbols for a reason as text.
func (r *Report) SampleStrings(reason Reason) []string {
	syms := r.Samples[reason]
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = s.String()
	}
	return out
}
