// Package cascade resolves dependent type → amp → make → model selections
// against a catalog snapshot.
package cascade

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pitabwire/voltplan/internal/catalog"
	"github.com/pitabwire/voltplan/internal/sizing"
	"github.com/pitabwire/voltplan/model"
)

// ErrNotAnOption is returned when a value is not a legal choice for its
// level given the upstream selections.
var ErrNotAnOption = errors.New("cascade: value is not an available option")

// ErrInvalidLevel is returned for a level outside the chain.
var ErrInvalidLevel = errors.New("cascade: invalid level")

// OptionSet is the legal choices at one level.
type OptionSet struct {
	Level   model.Level    `json:"level"`
	Options []model.Option `json:"options"`
	// Unsatisfiable is set when the minimum-amp filter removed every
	// candidate the catalog would otherwise offer.
	Unsatisfiable bool `json:"unsatisfiable,omitempty"`
	// NotApplicable is set for the amp level of types without ratings.
	NotApplicable bool `json:"not_applicable,omitempty"`
}

// Values returns the option values in order.
func (s OptionSet) Values() []string {
	out := make([]string, len(s.Options))
	for i, o := range s.Options {
		out[i] = o.Value
	}
	return out
}

func (s OptionSet) find(v string) (model.Option, bool) {
	for _, o := range s.Options {
		if strings.EqualFold(o.Value, v) {
			return o, true
		}
	}
	return model.Option{}, false
}

// Change is the outcome of one field change, applied to quiescence.
type Change struct {
	Chain         model.SelectionChain `json:"chain"`
	Cleared       []model.Level        `json:"cleared,omitempty"`
	AutoFilled    []model.Level        `json:"auto_filled,omitempty"`
	BackFilled    bool                 `json:"back_filled,omitempty"`
	Unsatisfiable []model.Level        `json:"unsatisfiable,omitempty"`
	Flags         []string             `json:"flags,omitempty"`
}

// Resolver computes option sets and cascades over one catalog snapshot.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	ix *catalog.Index
}

// NewResolver creates a Resolver over ix.
func NewResolver(ix *catalog.Index) *Resolver {
	return &Resolver{ix: ix}
}

// OptionsFor returns the legal choices at level given the upstream values
// of chain. A positive minAmp restricts the amp level, and restricts makes
// and models while no amp is chosen.
func (r *Resolver) OptionsFor(level model.Level, chain model.SelectionChain, minAmp float64) OptionSet {
	set := OptionSet{Level: level}

	if level == model.LevelType {
		for _, t := range r.ix.Types() {
			set.Options = append(set.Options, model.Option{Label: r.ix.UtilityName(t), Value: t})
		}
		return set
	}
	if chain.Type == "" {
		return set
	}

	rated := r.ix.HasAmpRatings(chain.Type)

	switch level {
	case model.LevelAmp:
		if !rated {
			set.NotApplicable = true
			return set
		}
		for _, a := range r.ix.DistinctAmps(chain.Type, minAmp) {
			set.Options = append(set.Options, model.Option{Label: a + "A", Value: a})
		}
		set.Unsatisfiable = len(set.Options) == 0 && minAmp > 0

	case model.LevelMake:
		entries, filtered := r.candidates(chain, minAmp, rated)
		for _, m := range catalog.MakesOf(entries) {
			set.Options = append(set.Options, model.Option{Label: m, Value: m})
		}
		set.Unsatisfiable = len(set.Options) == 0 && filtered

	case model.LevelModel:
		if chain.Make == "" {
			return set
		}
		entries, filtered := r.candidates(chain, minAmp, rated)
		var ofMake []model.CatalogEntry
		for _, e := range entries {
			if strings.EqualFold(e.Make, chain.Make) {
				ofMake = append(ofMake, e)
			}
		}
		for _, m := range catalog.ModelsOf(ofMake) {
			label := m.Model
			if m.Amp != "" {
				label = fmt.Sprintf("%s (%s)", m.Model, ampLabel(m.Amp))
			}
			set.Options = append(set.Options, model.Option{Label: label, Value: m.Model})
		}
		set.Unsatisfiable = len(set.Options) == 0 && filtered
	}
	return set
}

// candidates returns the entries of chain.Type that remain after the amp
// selection or the minimum-amp filter. filtered reports whether the
// minimum-amp filter was applied.
func (r *Resolver) candidates(chain model.SelectionChain, minAmp float64, rated bool) ([]model.CatalogEntry, bool) {
	switch {
	case chain.Amp != "":
		return r.ix.FindByTypeAndAmp(chain.Type, chain.Amp), false
	case rated && minAmp > 0:
		return r.ix.FindByTypeMinAmp(chain.Type, minAmp), true
	default:
		return r.ix.FindByType(chain.Type), false
	}
}

// OnFieldChange sets level to value, clears every deeper level and then
// auto-selects forward while the next level has exactly one option. The
// loop is bounded by the chain depth. An empty value clears the level
// without auto-selection.
func (r *Resolver) OnFieldChange(level model.Level, value string, chain model.SelectionChain, minAmp float64) (Change, error) {
	if !level.Valid() {
		return Change{}, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}

	value = strings.TrimSpace(value)
	if value != "" {
		canonical, err := r.member(level, value, chain, minAmp)
		if err != nil {
			return Change{Chain: chain}, err
		}
		value = canonical
	}

	ch := Change{Chain: chain.With(level, value)}
	for l := level + 1; int(l) < model.ChainDepth; l++ {
		if ch.Chain.Get(l) != "" {
			ch.Cleared = append(ch.Cleared, l)
			ch.Chain = ch.Chain.With(l, "")
		}
	}

	if level == model.LevelModel && value != "" {
		r.backFillAmp(&ch)
	}
	if value != "" {
		r.settle(&ch, level, minAmp)
	}
	if len(ch.Unsatisfiable) > 0 {
		ch.Flags = append(ch.Flags, model.FlagNoCompliantEquipment)
	}
	return ch, nil
}

// settle runs the auto-select loop from the level after from.
func (r *Resolver) settle(ch *Change, from model.Level, minAmp float64) {
	cur := from
	for step := 0; step < model.ChainDepth; step++ {
		next := cur + 1
		if int(next) >= model.ChainDepth {
			return
		}
		if ch.Chain.Get(next) != "" {
			cur = next
			continue
		}

		set := r.OptionsFor(next, ch.Chain, minAmp)
		switch {
		case set.NotApplicable:
			cur = next
			continue
		case set.Unsatisfiable:
			ch.Unsatisfiable = append(ch.Unsatisfiable, next)
			return
		case len(set.Options) != 1:
			return
		}

		ch.Chain = ch.Chain.With(next, set.Options[0].Value)
		ch.AutoFilled = append(ch.AutoFilled, next)
		if next == model.LevelModel {
			r.backFillAmp(ch)
		}
		cur = next
	}
}

// backFillAmp copies the chosen model's rating into an empty amp level.
func (r *Resolver) backFillAmp(ch *Change) {
	if ch.Chain.Amp != "" {
		return
	}
	e, ok := r.ix.Lookup(ch.Chain.Type, ch.Chain.Make, ch.Chain.Model)
	if !ok {
		return
	}
	v, ok := e.AmpValue()
	if !ok {
		return
	}
	ch.Chain.Amp = model.FormatAmp(v)
	ch.BackFilled = true
	ch.AutoFilled = append(ch.AutoFilled, model.LevelAmp)
}

// member returns the catalog spelling of value if it is an option at level.
func (r *Resolver) member(level model.Level, value string, chain model.SelectionChain, minAmp float64) (string, error) {
	if level == model.LevelType {
		value = r.ix.Canonical(value)
	}
	if level == model.LevelAmp {
		v, ok := model.ParseAmp(value)
		if !ok {
			return "", fmt.Errorf("%w: amp %q", ErrNotAnOption, value)
		}
		value = model.FormatAmp(v)
	}

	set := r.OptionsFor(level, chain, minAmp)
	o, ok := set.find(value)
	if !ok {
		return "", fmt.Errorf("%w: %s %q", ErrNotAnOption, level, value)
	}
	return o.Value, nil
}

// Sanitize clears a stored chain from its first level whose value is no
// longer an option, for use after a catalog refresh. It returns the
// repaired chain and the cleared levels.
func (r *Resolver) Sanitize(chain model.SelectionChain, minAmp float64) (model.SelectionChain, []model.Level) {
	upstream := model.SelectionChain{IsNew: chain.IsNew, Tag: chain.Tag}
	for l := model.LevelType; int(l) < model.ChainDepth; l++ {
		v := chain.Get(l)
		if v == "" {
			continue
		}
		canonical, err := r.member(l, v, upstream, minAmp)
		if err != nil {
			var cleared []model.Level
			for d := l; int(d) < model.ChainDepth; d++ {
				if chain.Get(d) != "" {
					cleared = append(cleared, d)
				}
			}
			return upstream, cleared
		}
		upstream = upstream.With(l, canonical)
	}
	return upstream, nil
}

// AutoSize chooses the smallest compliant amp rating while neither amp nor
// make is chosen, then settles the rest of the chain. It reports false when
// nothing changed.
func (r *Resolver) AutoSize(chain model.SelectionChain, continuousAmps float64, ceiling int) (Change, bool) {
	if chain.Type == "" || chain.Amp != "" || chain.Make != "" || !r.ix.HasAmpRatings(chain.Type) {
		return Change{Chain: chain}, false
	}
	rating, ok := sizing.MinimumCompliantRating(continuousAmps, ceiling)
	if !ok {
		return Change{Chain: chain}, false
	}

	floor := float64(rating)
	smallest, ok := r.ix.SmallestCompliant(chain.Type, floor)
	amp, _ := smallest.AmpValue()
	if !ok {
		return Change{
			Chain:         chain,
			Unsatisfiable: []model.Level{model.LevelAmp},
			Flags:         []string{model.FlagNoCompliantEquipment},
		}, true
	}

	ch, err := r.OnFieldChange(model.LevelAmp, model.FormatAmp(amp), chain, floor)
	if err != nil {
		return Change{Chain: chain}, false
	}
	ch.AutoFilled = append([]model.Level{model.LevelAmp}, ch.AutoFilled...)
	return ch, true
}

func ampLabel(a string) string {
	if v, ok := model.ParseAmp(a); ok {
		return model.FormatAmp(v) + "A"
	}
	return a
}
