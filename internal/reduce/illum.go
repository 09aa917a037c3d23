package reduce

import (
	"context"
	"math"
	"time"

	"github.com/nocturne-drs/nocturne/internal/config"
	"github.com/nocturne-drs/nocturne/internal/frames"
	"github.com/nocturne-drs/nocturne/internal/query"
	"github.com/nocturne-drs/nocturne/internal/record"
)

const (
	// Illumination exposures taken further from the science exposure than
	// this are a fallback, not a preference.
	illumWindow = 2 * time.Hour
	// Ambient temperature drift beyond this makes the illumination
	// correction questionable.
	illumTempTolerance = 1.0
	illumTempKeyword   = "INS_TEMP7_VAL"
)

// findIllum picks the illumination exposure serving a science exposure:
// among the night's ILLUM files taken within two hours, the one closest in
// ambient temperature; with none inside the window, the closest in time.
// No ILLUM at all is a warning, not an error.
func (r *Runner) findIllum(ctx context.Context, sci record.FileRecord) (*frames.File, error) {
	recs, err := r.cat.QueryRaw(ctx, query.AndOf(
		query.Eq{Column: "dpr_type", Value: "ILLUM"},
		query.Eq{Column: "night", Value: sci.Night},
	))
	if err != nil {
		return nil, err
	}

	items := append(append([]config.ExcludeItem(nil),
		r.set.Frames.Exclude["ILLUM"]...), r.set.Frames.Exclude["raw"]...)
	candidates := recs[:0]
	for _, rec := range recs {
		if !frames.Excluded(rec, items) {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		r.log.Warn("no illumination exposure for night",
			"exposure", sci.Name, "night", sci.Night)
		return nil, nil
	}

	sciTemp, hasTemp := sci.AttrFloat(illumTempKeyword)

	all := make([]illumCandidate, len(candidates))
	for i, rec := range candidates {
		s := illumCandidate{rec: rec, dt: absDuration(rec.DateObs.Sub(sci.DateObs)), dT: math.NaN()}
		if temp, ok := rec.AttrFloat(illumTempKeyword); ok && hasTemp {
			s.dT = math.Abs(temp - sciTemp)
		}
		all[i] = s
	}

	var within []illumCandidate
	for _, s := range all {
		if s.dt <= illumWindow {
			within = append(within, s)
		}
	}

	var best illumCandidate
	if len(within) > 0 {
		best = within[0]
		for _, s := range within[1:] {
			if illumBetter(s, best) {
				best = s
			}
		}
	} else {
		best = all[0]
		for _, s := range all[1:] {
			if s.dt < best.dt || (s.dt == best.dt && s.rec.Name < best.rec.Name) {
				best = s
			}
		}
		r.log.Warn("no illumination exposure within window",
			"exposure", sci.Name, "chosen", best.rec.Name, "dt", best.dt)
	}

	if !math.IsNaN(best.dT) && best.dT > illumTempTolerance {
		r.log.Warn("illumination temperature drift above tolerance",
			"exposure", sci.Name, "illum", best.rec.Name, "dtemp", best.dT)
	}

	return &frames.File{Type: "ILLUM", Name: best.rec.Name, Path: best.rec.Path}, nil
}

type illumCandidate struct {
	rec record.FileRecord
	dt  time.Duration
	dT  float64
}

// illumBetter ranks in-window candidates: closest temperature first, time
// and name breaking ties. Candidates without a temperature rank last.
func illumBetter(a, b illumCandidate) bool {
	switch {
	case math.IsNaN(a.dT) && !math.IsNaN(b.dT):
		return false
	case !math.IsNaN(a.dT) && math.IsNaN(b.dT):
		return true
	case !math.IsNaN(a.dT) && a.dT != b.dT:
		return a.dT < b.dT
	case a.dt != b.dt:
		return a.dt < b.dt
	default:
		return a.rec.Name < b.rec.Name
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
