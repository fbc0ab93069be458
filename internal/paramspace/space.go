// Package paramspace validates parameter specs and maps optimizer proposals
// onto them.
package paramspace

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

// Space is a validated, ordered set of parameter specs.
type Space struct {
	specs []models.ParameterSpec
	index map[string]int
}

// New validates specs and builds a Space.
func New(specs []models.ParameterSpec) (*Space, error) {
	if err := Validate(specs); err != nil {
		return nil, err
	}
	s := &Space{
		specs: append([]models.ParameterSpec(nil), specs...),
		index: make(map[string]int, len(specs)),
	}
	for i, spec := range specs {
		s.index[spec.Name] = i
	}
	return s, nil
}

// Validate fails with a *models.ConfigError when names collide, bounds are
// inverted, value sets are empty or an initial value is out of bounds.
func Validate(specs []models.ParameterSpec) error {
	if len(specs) == 0 {
		return models.NewConfigError("optimize.parameters", "at least one parameter must be defined")
	}
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		field := "optimize.parameters." + spec.Name
		if spec.Name == "" {
			return models.NewConfigError("optimize.parameters", "parameter name cannot be empty")
		}
		if seen[spec.Name] {
			return models.NewConfigError(field, "duplicate parameter name")
		}
		seen[spec.Name] = true

		switch spec.Type {
		case models.ParameterTypeFloat, models.ParameterTypeInt:
			if math.IsNaN(spec.Lower) || math.IsNaN(spec.Upper) || !(spec.Lower < spec.Upper) {
				return models.NewConfigError(field, "lower (%g) must be less than upper (%g)", spec.Lower, spec.Upper)
			}
			if spec.Type == models.ParameterTypeInt && math.Ceil(spec.Lower) > math.Floor(spec.Upper) {
				return models.NewConfigError(field, "no integer between %g and %g", spec.Lower, spec.Upper)
			}
			if spec.Log && spec.Lower <= 0 {
				return models.NewConfigError(field, "log scale requires a positive lower bound")
			}
		case models.ParameterTypeCategorical:
			if len(spec.Choices) == 0 {
				return models.NewConfigError(field, "categorical parameter needs choices")
			}
			dup := make(map[string]bool, len(spec.Choices))
			for _, c := range spec.Choices {
				if dup[c] {
					return models.NewConfigError(field, "duplicate choice %q", c)
				}
				dup[c] = true
			}
		case models.ParameterTypeOrdinal:
			if len(spec.Sequence) == 0 {
				return models.NewConfigError(field, "ordinal parameter needs a sequence")
			}
			for i := 1; i < len(spec.Sequence); i++ {
				if !(spec.Sequence[i-1] < spec.Sequence[i]) {
					return models.NewConfigError(field, "sequence must be strictly increasing")
				}
			}
		default:
			return models.NewConfigError(field, "unknown parameter type %q", spec.Type)
		}

		if spec.Initial != nil {
			if _, err := coerce(spec, spec.Initial, false); err != nil {
				return &models.ConfigError{Field: field + ".initial", Err: err}
			}
		}
	}
	return nil
}

// Specs returns a copy of the specs in declaration order.
func (s *Space) Specs() []models.ParameterSpec {
	return append([]models.ParameterSpec(nil), s.specs...)
}

// Len returns the number of dimensions.
func (s *Space) Len() int {
	return len(s.specs)
}

// Spec looks up a spec by name.
func (s *Space) Spec(name string) (models.ParameterSpec, bool) {
	i, ok := s.index[name]
	if !ok {
		return models.ParameterSpec{}, false
	}
	return s.specs[i], true
}

// SeedTrial returns the assignment for trial 0: each spec's initial value,
// or the midpoint / first choice / middle element when none is given.
func (s *Space) SeedTrial() models.Assignment {
	out := make(models.Assignment, len(s.specs))
	for _, spec := range s.specs {
		if spec.Initial != nil {
			// validated in New
			v, _ := coerce(spec, spec.Initial, false)
			out[spec.Name] = v
			continue
		}
		out[spec.Name] = defaultValue(spec)
	}
	return out
}

func defaultValue(spec models.ParameterSpec) any {
	switch spec.Type {
	case models.ParameterTypeFloat:
		if spec.Log {
			return math.Sqrt(spec.Lower * spec.Upper)
		}
		return spec.Lower + (spec.Upper-spec.Lower)/2
	case models.ParameterTypeInt:
		lo, hi := int64(math.Ceil(spec.Lower)), int64(math.Floor(spec.Upper))
		return lo + (hi-lo)/2
	case models.ParameterTypeCategorical:
		return spec.Choices[0]
	case models.ParameterTypeOrdinal:
		return spec.Sequence[(len(spec.Sequence)-1)/2]
	}
	return nil
}

// Project clamps and coerces a raw proposal onto the space. Unknown
// parameters, missing parameters, non-numeric values for numeric specs and
// categorical values outside the declared set fail with *models.ValidationError.
func (s *Space) Project(raw models.Assignment) (models.Assignment, error) {
	for name := range raw {
		if _, ok := s.index[name]; !ok {
			return nil, &models.ValidationError{Parameter: name, Value: raw[name], Reason: "unknown parameter"}
		}
	}
	out := make(models.Assignment, len(s.specs))
	for _, spec := range s.specs {
		v, ok := raw[spec.Name]
		if !ok {
			return nil, &models.ValidationError{Parameter: spec.Name, Reason: "missing from proposal"}
		}
		projected, err := coerce(spec, v, true)
		if err != nil {
			return nil, err
		}
		out[spec.Name] = projected
	}
	return out, nil
}

// Normalize re-types an assignment read back from storage, where numbers
// may have been decoded as float64 or json.Number. It does not clamp.
func (s *Space) Normalize(a models.Assignment) (models.Assignment, error) {
	out := make(models.Assignment, len(a))
	for name, v := range a {
		spec, ok := s.Spec(name)
		if !ok {
			return nil, &models.ValidationError{Parameter: name, Value: v, Reason: "unknown parameter"}
		}
		nv, err := coerce(spec, v, false)
		if err != nil {
			return nil, err
		}
		out[name] = nv
	}
	return out, nil
}

// Sample draws a uniform assignment (log-uniform for log-scaled floats).
// The caller owns rng.
func (s *Space) Sample(rng *utils.RandSource) models.Assignment {
	out := make(models.Assignment, len(s.specs))
	for _, spec := range s.specs {
		out[spec.Name] = SampleOne(spec, rng)
	}
	return out
}

// SampleOne draws a single value for spec.
func SampleOne(spec models.ParameterSpec, rng *utils.RandSource) any {
	switch spec.Type {
	case models.ParameterTypeFloat:
		if spec.Log {
			return rng.LogUniformFloat64(spec.Lower, spec.Upper)
		}
		return rng.UniformFloat64(spec.Lower, spec.Upper)
	case models.ParameterTypeInt:
		lo, hi := int64(math.Ceil(spec.Lower)), int64(math.Floor(spec.Upper))
		return lo + rng.Int63n(hi-lo+1)
	case models.ParameterTypeCategorical:
		return spec.Choices[rng.Intn(len(spec.Choices))]
	case models.ParameterTypeOrdinal:
		return spec.Sequence[rng.Intn(len(spec.Sequence))]
	}
	return nil
}

// coerce converts v to the canonical Go type of spec. With clamp set,
// numeric values are clamped into bounds and ordinals snap to the nearest
// element; otherwise out-of-range values are errors.
func coerce(spec models.ParameterSpec, v any, clamp bool) (any, error) {
	switch spec.Type {
	case models.ParameterTypeFloat:
		f, err := toFloat(v)
		if err != nil || math.IsNaN(f) {
			return nil, &models.ValidationError{Parameter: spec.Name, Value: v, Reason: "not a number"}
		}
		if clamp {
			return utils.Clamp(f, spec.Lower, spec.Upper), nil
		}
		if f < spec.Lower || f > spec.Upper {
			return nil, &models.ValidationError{Parameter: spec.Name, Value: v, Reason: fmt.Sprintf("outside [%g, %g]", spec.Lower, spec.Upper)}
		}
		return f, nil

	case models.ParameterTypeInt:
		f, err := toFloat(v)
		if err != nil || math.IsNaN(f) {
			return nil, &models.ValidationError{Parameter: spec.Name, Value: v, Reason: "not a number"}
		}
		lo, hi := int64(math.Ceil(spec.Lower)), int64(math.Floor(spec.Upper))
		if clamp {
			f = utils.Clamp(f, float64(lo), float64(hi))
			return utils.Clamp(int64(math.Round(f)), lo, hi), nil
		}
		if f != math.Trunc(f) {
			return nil, &models.ValidationError{Parameter: spec.Name, Value: v, Reason: "not an integer"}
		}
		n := int64(f)
		if n < lo || n > hi {
			return nil, &models.ValidationError{Parameter: spec.Name, Value: v, Reason: fmt.Sprintf("outside [%d, %d]", lo, hi)}
		}
		return n, nil

	case models.ParameterTypeCategorical:
		str, ok := v.(string)
		if !ok {
			str = fmt.Sprint(v)
		}
		for _, c := range spec.Choices {
			if c == str {
				return c, nil
			}
		}
		return nil, &models.ValidationError{Parameter: spec.Name, Value: v, Reason: "not one of the declared choices"}

	case models.ParameterTypeOrdinal:
		f, err := toFloat(v)
		if err != nil || math.IsNaN(f) {
			return nil, &models.ValidationError{Parameter: spec.Name, Value: v, Reason: "not a number"}
		}
		nearest := spec.Sequence[0]
		for _, e := range spec.Sequence[1:] {
			if math.Abs(e-f) < math.Abs(nearest-f) {
				nearest = e
			}
		}
		if !clamp && nearest != f {
			return nil, &models.ValidationError{Parameter: spec.Name, Value: v, Reason: "not an element of the sequence"}
		}
		return nearest, nil
	}
	return nil, &models.ValidationError{Parameter: spec.Name, Value: v, Reason: "unknown parameter type"}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("unsupported numeric type %T", v)
}
