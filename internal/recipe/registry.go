package recipe

import (
	"fmt"
	"sort"

	"github.com/nocturne-drs/nocturne/internal/frames"
)

// registry holds the built-in recipe set, keyed by name.
var registry = map[string]Descriptor{}

func register(d Descriptor) {
	if _, dup := registry[d.Name]; dup {
		panic(fmt.Sprintf("recipe %s registered twice", d.Name))
	}
	registry[d.Name] = d
}

// Get returns a recipe descriptor by name.
func Get(name string) (Descriptor, error) {
	d, ok := registry[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown recipe %q", name)
	}
	return d, nil
}

// Names returns the registered recipe names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calibs returns the night-level calibration recipes in processing order.
// Each step may consume the products of the previous ones.
func Calibs() []Descriptor {
	order := []string{
		"nocturne_bias",
		"nocturne_dark",
		"nocturne_flat",
		"nocturne_wavecal",
		"nocturne_lsf",
		"nocturne_twilight",
	}
	out := make([]Descriptor, len(order))
	for i, name := range order {
		out[i] = registry[name]
	}
	return out
}

func init() {
	register(Descriptor{
		Name:      "nocturne_bias",
		Kind:      KindCalib,
		DPRType:   "BIAS",
		Products:  []string{"MASTER_BIAS"},
		MinInputs: 3,
	})
	register(Descriptor{
		Name:      "nocturne_dark",
		Kind:      KindCalib,
		DPRType:   "DARK",
		Needs:     []frames.Need{{Type: "MASTER_BIAS"}},
		Products:  []string{"MASTER_DARK"},
		MinInputs: 3,
	})
	register(Descriptor{
		Name:    "nocturne_flat",
		Kind:    KindCalib,
		DPRType: "FLAT,LAMP",
		Needs: []frames.Need{
			{Type: "MASTER_BIAS"},
			{Type: "MASTER_DARK", Optional: true},
			{Type: "BADPIX_TABLE", Optional: true},
		},
		Products:  []string{"MASTER_FLAT", "TRACE_TABLE"},
		MinInputs: 3,
	})
	register(Descriptor{
		Name:    "nocturne_wavecal",
		Kind:    KindCalib,
		DPRType: "WAVE",
		Needs: []frames.Need{
			{Type: "MASTER_BIAS"},
			{Type: "TRACE_TABLE"},
			{Type: "LINE_CATALOG"},
		},
		Products:  []string{"WAVECAL_TABLE"},
		MinInputs: 1,
	})
	register(Descriptor{
		Name:    "nocturne_lsf",
		Kind:    KindCalib,
		DPRType: "WAVE",
		Needs: []frames.Need{
			{Type: "MASTER_BIAS"},
			{Type: "TRACE_TABLE"},
			{Type: "WAVECAL_TABLE"},
			{Type: "LINE_CATALOG"},
		},
		Products:  []string{"LSF_PROFILE"},
		MinInputs: 1,
	})
	register(Descriptor{
		Name:    "nocturne_twilight",
		Kind:    KindCalib,
		DPRType: "FLAT,SKY",
		Needs: []frames.Need{
			{Type: "MASTER_BIAS"},
			{Type: "MASTER_FLAT"},
			{Type: "TRACE_TABLE"},
			{Type: "WAVECAL_TABLE"},
			{Type: "GEOMETRY_TABLE"},
			{Type: "VIGNETTING_MASK", Optional: true},
		},
		Products:  []string{"TWILIGHT_CUBE"},
		MinInputs: 1,
	})
	register(Descriptor{
		Name:    "nocturne_scibasic",
		Kind:    KindScience,
		DPRType: "OBJECT",
		Needs: []frames.Need{
			{Type: "MASTER_BIAS"},
			{Type: "MASTER_FLAT"},
			{Type: "TRACE_TABLE"},
			{Type: "WAVECAL_TABLE"},
			{Type: "GEOMETRY_TABLE"},
			{Type: "TWILIGHT_CUBE"},
			{Type: "MASTER_DARK", Optional: true},
			{Type: "BADPIX_TABLE", Optional: true},
			{Type: "NONLINEARITY_GAIN", Optional: true},
		},
		Products:  []string{"PIXTABLE_OBJECT"},
		MinInputs: 1,
		Illum:     true,
	})
	register(Descriptor{
		Name:    "nocturne_standard",
		Kind:    KindScience,
		DPRType: "STD",
		Needs: []frames.Need{
			{Type: "MASTER_BIAS"},
			{Type: "MASTER_FLAT"},
			{Type: "TRACE_TABLE"},
			{Type: "WAVECAL_TABLE"},
			{Type: "GEOMETRY_TABLE"},
			{Type: "EXTINCT_TABLE"},
			{Type: "STD_FLUX_TABLE"},
		},
		Products:  []string{"STD_RESPONSE", "STD_TELLURIC"},
		MinInputs: 1,
	})
	register(Descriptor{
		Name:    "nocturne_scipost",
		Kind:    KindScience,
		DPRType: "PIXTABLE_OBJECT",
		Needs: []frames.Need{
			{Type: "STD_RESPONSE"},
			{Type: "STD_TELLURIC"},
			{Type: "EXTINCT_TABLE"},
			{Type: "FILTER_LIST"},
			{Type: "ASTROMETRY_WCS", Optional: true},
			{Type: "OUTPUT_WCS", Optional: true},
			{Type: "RAMAN_LINES", Optional: true},
			{Type: "SKY_LINES", Optional: true},
			{Type: "SKY_CONTINUUM", Optional: true},
			{Type: "LSF_PROFILE", Optional: true},
		},
		Products:  []string{"DATACUBE_FINAL", "IMAGE_FOV", "PIXTABLE_REDUCED"},
		MinInputs: 1,
	})
	register(Descriptor{
		Name:      "nocturne_exp_align",
		Kind:      KindCombine,
		DPRType:   "IMAGE_FOV",
		Products:  []string{"OFFSET_LIST"},
		MinInputs: 2,
	})
	register(Descriptor{
		Name:    "nocturne_exp_combine",
		Kind:    KindCombine,
		DPRType: "PIXTABLE_REDUCED",
		Needs: []frames.Need{
			{Type: "OFFSET_LIST", Optional: true},
			{Type: "FILTER_LIST"},
			{Type: "OUTPUT_WCS", Optional: true},
		},
		Products:  []string{"DATACUBE_FINAL", "IMAGE_FOV"},
		MinInputs: 2,
	})
}
