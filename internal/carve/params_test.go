package carve

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDefaultParameters(t *testing.T) {
	p := DefaultParameters()
	if p.Sigma != 1.6 {
		t.Errorf("Sigma = %g, want 1.6", p.Sigma)
	}
	if p.Filter != FilterRidgeBright {
		t.Errorf("Filter = %s, want ridge-bright", p.Filter)
	}
	if !p.Agglomerate {
		t.Error("Agglomerate = false, want true")
	}
	if p.SizeRegularizer != 0.5 {
		t.Errorf("SizeRegularizer = %g, want 0.5", p.SizeRegularizer)
	}
	if p.ReduceTo != 0.2 {
		t.Errorf("ReduceTo = %g, want 0.2", p.ReduceTo)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("defaults must validate, got %v", err)
	}
}

func TestParametersValidate(t *testing.T) {
	mut := func(f func(*Parameters)) Parameters {
		p := DefaultParameters()
		f(&p)
		return p
	}
	cases := []struct {
		name string
		p    Parameters
		want string
	}{
		{"zero sigma", mut(func(p *Parameters) { p.Sigma = 0 }), "sigma"},
		{"negative sigma", mut(func(p *Parameters) { p.Sigma = -2 }), "sigma"},
		{"bad filter", mut(func(p *Parameters) { p.Filter = FilterKind(42) }), "filter"},
		{"regularizer high", mut(func(p *Parameters) { p.SizeRegularizer = 1.01 }), "regularizer"},
		{"regularizer low", mut(func(p *Parameters) { p.SizeRegularizer = -0.01 }), "regularizer"},
		{"reduce-to zero", mut(func(p *Parameters) { p.ReduceTo = 0 }), "reduce-to"},
		{"reduce-to high", mut(func(p *Parameters) { p.ReduceTo = 1.2 }), "reduce-to"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.p.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Errorf("error %q does not mention %q", err, c.want)
			}
		})
	}
}

func TestFilterKindNames(t *testing.T) {
	kinds := []FilterKind{
		FilterRidgeBright,
		FilterRidgeDark,
		FilterEdgeMagnitude,
		FilterSmoothed,
		FilterSmoothedInverted,
	}
	for _, k := range kinds {
		if !k.Valid() {
			t.Errorf("%s reported invalid", k)
		}
		parsed, err := ParseFilterKind(k.String())
		if err != nil {
			t.Errorf("ParseFilterKind(%q): %v", k.String(), err)
		}
		if parsed != k {
			t.Errorf("ParseFilterKind(%q) = %v, want %v", k.String(), parsed, k)
		}
	}

	if _, err := ParseFilterKind("sobel"); err == nil {
		t.Error("ParseFilterKind accepted an unknown name")
	}
	if FilterKind(42).Valid() {
		t.Error("FilterKind(42) reported valid")
	}
	if got := FilterKind(42).String(); got != "filter(42)" {
		t.Errorf("FilterKind(42).String() = %q", got)
	}
}

func TestParametersJSON(t *testing.T) {
	p := Parameters{
		Sigma:           2.5,
		Filter:          FilterSmoothedInverted,
		Agglomerate:     false,
		SizeRegularizer: 0.25,
		ReduceTo:        0.4,
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"filter":"smoothed-inverted"`) {
		t.Errorf("encoded parameters %s do not carry the kind by name", data)
	}

	var back Parameters
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != p {
		t.Errorf("round trip = %+v, want %+v", back, p)
	}

	if err := json.Unmarshal([]byte(`{"filter":"laplacian"}`), &back); err == nil {
		t.Error("unmarshal accepted an unknown filter name")
	}
	if _, err := json.Marshal(FilterKind(42)); err == nil {
		t.Error("marshal accepted an invalid filter kind")
	}
}
