package iothub

import (
	"reflect"
	"testing"
)

func TestFundamentalValue(t *testing.T) {
	t.Parallel()

	for name, tt := range map[string]struct {
		in   string
		want interface{}
	}{
		"int":       {"42", int64(42)},
		"negative":  {"-7", int64(-7)},
		"float":     {"23.5", 23.5},
		"string":    {"on", "on"},
		"trimmed":   {"  ok \n", "ok"},
		"empty":     {"", ""},
		"not-quite": {"42a", "42a"},
	} {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := fundamentalValue(tt.in); got != tt.want {
				t.Errorf("fundamentalValue(%q) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestPayloadValue(t *testing.T) {
	t.Parallel()

	if got := payloadValue([]byte("42")); got != int64(42) {
		t.Errorf("scalar = %v (%T)", got, got)
	}

	got := payloadValue([]byte(`{"temp": 23.5, "unit": "C"}`))
	want := map[string]interface{}{"temp": 23.5, "unit": "C"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("composite = %v", got)
	}

	// broken json narrows like any other string
	if got := payloadValue([]byte("{oops")); got != "{oops" {
		t.Errorf("broken = %v", got)
	}
}
