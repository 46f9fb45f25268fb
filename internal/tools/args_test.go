package tools

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

var readingTool = Descriptor{
	Name: "getLatestReading",
	Params: []Param{
		{Name: "sensor", Type: TypeInteger, Required: true},
		{Name: "parameter", Type: TypeString, Required: true, Enum: []string{"CO2", "Temperature"}},
		{Name: "hours", Type: TypeInteger, Default: 24},
		{Name: "scale", Type: TypeNumber},
		{Name: "verbose", Type: TypeBoolean},
	},
}

func TestBind(t *testing.T) {
	tests := []struct {
		name    string
		raw     Arguments
		want    Args
		problem string
	}{
		{
			name: "named with default",
			raw:  Arguments{Named: map[string]any{"sensor": float64(3), "parameter": "CO2"}},
			want: Args{"sensor": 3, "parameter": "CO2", "hours": 24},
		},
		{
			name: "positional",
			raw:  Arguments{Positional: []any{float64(3), "co2", float64(6)}},
			want: Args{"sensor": 3, "parameter": "CO2", "hours": 6},
		},
		{
			name: "quoted numbers and bools",
			raw:  Arguments{Named: map[string]any{"sensor": "3", "parameter": "temperature", "scale": "1.5", "verbose": "true"}},
			want: Args{"sensor": 3, "parameter": "Temperature", "hours": 24, "scale": 1.5, "verbose": true},
		},
		{
			name: "json.Number",
			raw:  Arguments{Named: map[string]any{"sensor": json.Number("7"), "parameter": "CO2"}},
			want: Args{"sensor": 7, "parameter": "CO2", "hours": 24},
		},
		{
			name:    "missing required",
			raw:     Arguments{Named: map[string]any{"parameter": "CO2"}},
			problem: `missing required argument "sensor"`,
		},
		{
			name:    "unknown argument",
			raw:     Arguments{Named: map[string]any{"sensor": 1, "parameter": "CO2", "room": "lab"}},
			problem: `unknown argument "room"`,
		},
		{
			name:    "wrong type",
			raw:     Arguments{Named: map[string]any{"sensor": "three", "parameter": "CO2"}},
			problem: "want integer",
		},
		{
			name:    "fractional integer",
			raw:     Arguments{Named: map[string]any{"sensor": 2.5, "parameter": "CO2"}},
			problem: "want integer",
		},
		{
			name:    "enum violation",
			raw:     Arguments{Named: map[string]any{"sensor": 1, "parameter": "radon"}},
			problem: "not one of CO2, Temperature",
		},
		{
			name:    "too many positional",
			raw:     Arguments{Positional: []any{1, "CO2", 1, 1.0, true, "extra"}},
			problem: "got 6 arguments, at most 5",
		},
		{
			name:    "mixed forms",
			raw:     Arguments{Named: map[string]any{"sensor": 1}, Positional: []any{1}},
			problem: "mix of named and positional",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bind(readingTool, tt.raw)
			if tt.problem != "" {
				var mismatch *ArgumentMismatchError
				if !errors.As(err, &mismatch) {
					t.Fatalf("bind error = %v, want *ArgumentMismatchError", err)
				}
				if !strings.Contains(err.Error(), tt.problem) {
					t.Errorf("error = %q, want it to contain %q", err, tt.problem)
				}
				if mismatch.Signature != readingTool.Signature() {
					t.Errorf("Signature = %q", mismatch.Signature)
				}
				return
			}
			if err != nil {
				t.Fatalf("bind error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("bind = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestInvoke_ArgumentMismatchSkipsHandler(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(readingTool, func(context.Context, Args) (any, error) {
		called = true
		return nil, nil
	})

	_, err := r.Invoke(context.Background(), "getLatestReading", Arguments{})
	var mismatch *ArgumentMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error = %v, want *ArgumentMismatchError", err)
	}
	if called {
		t.Error("handler ran despite invalid arguments")
	}
}

func TestDescriptor_Ordered(t *testing.T) {
	got := readingTool.Ordered(Args{"sensor": 3, "parameter": "CO2", "hours": 24})
	want := []any{3, "CO2", 24, nil, nil}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Ordered = %v, want %v", got, want)
	}
}

func TestUserIDContext(t *testing.T) {
	ctx := context.Background()
	if got := UserIDFromContext(ctx); got != "" {
		t.Errorf("UserIDFromContext(empty) = %q, want empty", got)
	}
	if got := UserIDFromContext(WithUserID(ctx, "u1")); got != "u1" {
		t.Errorf("UserIDFromContext = %q, want u1", got)
	}
}
