package patch

import (
	"fmt"
	"math"

	"github.com/kilupskalvis/hsipatch/internal/models"
)

// Predicate decides whether a patch carries enough valid signal to keep.
type Predicate interface {
	Accept(p *models.Patch) bool
}

// MajorityValid accepts a patch when the fraction of nonzero samples exceeds
// MinValidFraction. NaN samples are not valid.
type MajorityValid struct {
	MinValidFraction float64
}

// DefaultMinValidFraction is the paired-variant acceptance bound.
const DefaultMinValidFraction = 0.99

// Accept implements Predicate.
func (m MajorityValid) Accept(p *models.Patch) bool {
	if len(p.Data) == 0 {
		return false
	}
	nonzero := 0
	for _, v := range p.Data {
		if v != 0 && !math.IsNaN(float64(v)) {
			nonzero++
		}
	}
	return float64(nonzero)/float64(len(p.Data)) > m.MinValidFraction
}

// Regime is the pair of thresholds applied to one datatype class.
type Regime struct {
	// Invalid is the value at or below which a sample counts as black.
	Invalid float64
	// MaxBlackFraction is the black fraction at which a patch is rejected.
	MaxBlackFraction float64
}

// MajorityBlack rejects patches whose fraction of samples at or below the
// invalid value reaches the regime's MaxBlackFraction. NaN samples count as
// black.
type MajorityBlack struct {
	Regimes map[models.DTypeClass]Regime
}

// DefaultRegimes returns the stock thresholds: zero-filled uint16 products
// and int16 products using the minimum value as no-data.
func DefaultRegimes() map[models.DTypeClass]Regime {
	return map[models.DTypeClass]Regime{
		models.ClassUint16: {Invalid: 0, MaxBlackFraction: 0.01},
		models.ClassOther:  {Invalid: -32768, MaxBlackFraction: 0.1},
	}
}

// Regime returns the thresholds for a datatype, falling back to the
// ClassOther regime.
func (m MajorityBlack) Regime(d models.DType) Regime {
	if r, ok := m.Regimes[d.Class()]; ok {
		return r
	}
	return m.Regimes[models.ClassOther]
}

// Accept implements Predicate.
func (m MajorityBlack) Accept(p *models.Patch) bool {
	if len(p.Data) == 0 {
		return false
	}
	r := m.Regime(p.DType)
	invalid := float32(r.Invalid)
	black := 0
	for _, v := range p.Data {
		if v <= invalid || math.IsNaN(float64(v)) {
			black++
		}
	}
	return float64(black)/float64(len(p.Data)) < r.MaxBlackFraction
}

// Validate checks that every regime fraction lies in [0, 1].
func (m MajorityBlack) Validate() error {
	if _, ok := m.Regimes[models.ClassOther]; !ok {
		return fmt.Errorf("majority-black: missing %q regime", models.ClassOther)
	}
	for class, r := range m.Regimes {
		if r.MaxBlackFraction < 0 || r.MaxBlackFraction > 1 {
			return fmt.Errorf("majority-black: %s threshold %v outside [0, 1]", class, r.MaxBlackFraction)
		}
	}
	return nil
}

// AcceptAll keeps every patch.
type AcceptAll struct{}

// Accept implements Predicate.
func (AcceptAll) Accept(*models.Patch) bool { return true }
