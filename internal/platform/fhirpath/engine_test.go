package fhirpath

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func patient(t *testing.T) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	err := json.Unmarshal([]byte(`{
		"resourceType": "Patient",
		"id": "p1",
		"active": true,
		"gender": "female",
		"birthDate": "1990-05-15",
		"name": [
			{"use": "official", "family": "Smith", "given": ["Jane", "Q"]},
			{"use": "nickname", "given": ["JJ"]}
		],
		"telecom": [{"system": "phone", "value": "555-0100"}],
		"multipleBirthInteger": 2
	}`), &m)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestEvaluateBoolean(t *testing.T) {
	e := NewEngine(WithClock(func() time.Time {
		return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	}))
	res := patient(t)

	tests := []struct {
		expr string
		want bool
	}{
		{"active", true},
		{"active = true", true},
		{"gender = 'female'", true},
		{"gender != 'female'", false},
		{"name.exists()", true},
		{"deceasedBoolean.exists()", false},
		{"name.where(use = 'official').family = 'Smith'", true},
		{"name.where(use = 'temp').exists()", false},
		{"name.given.count() = 3", true},
		{"name[1].given.first() = 'JJ'", true},
		{"telecom.all(system.exists() and value.exists())", true},
		{"multipleBirthInteger > 1", true},
		{"multipleBirthInteger >= 2.0", true},
		{"birthDate < @2000-01-01", true},
		{"birthDate < today()", true},
		{"birthDate > @2000-01-01", false},
		{"birthDate = @1990-05-15", true},
		{"birthDate != @1990-05-15", false},
		{"birthDate >= @1990-05-15", true},
		{"birthDate <= @1990-05-14", false},
		{"name.family.startsWith('Sm')", true},
		{"name.family.matches('^S[a-z]+$')", true},
		{"name.family.length() = 5", true},
		{"name.family.upper() = 'SMITH'", true},
		{"gender = 'male' or active", true},
		{"gender = 'male' and active", false},
		{"gender = 'male' xor active", true},
		{"gender = 'male' implies active.not()", true},
		{"(gender | gender).count() = 1", true},
		{"Patient.id = 'p1'", true},
		{"Observation.id.exists()", false},
		{"iif(active, 'y', 'n') = 'y'", true},
		{"name.empty().not()", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.EvaluateBoolean(context.Background(), res, tt.expr)
			if err != nil {
				t.Fatalf("EvaluateBoolean(%q) error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvaluateBoolean(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestValidateSyntax(t *testing.T) {
	e := NewEngine()

	valid := []string{
		"name.exists()",
		"a.b.c = 'x' and d",
		"iif(a, b)",
	}
	for _, expr := range valid {
		if err := e.ValidateSyntax(expr); err != nil {
			t.Errorf("ValidateSyntax(%q) unexpected error: %v", expr, err)
		}
	}

	invalid := []string{
		"",
		"   ",
		"name.exists(",
		"name.",
		"'unterminated",
		"a ! b",
		"name.frobnicate()",
		"name.where()",
		"name.now()",
		"status in",
		"a =",
	}
	for _, expr := range invalid {
		if err := e.ValidateSyntax(expr); err == nil {
			t.Errorf("ValidateSyntax(%q) expected error", expr)
		}
	}

	if err := e.ValidateSyntax(""); !errors.Is(err, ErrEmptyExpression) {
		t.Errorf("expected ErrEmptyExpression, got %v", err)
	}
}

func TestEvaluate_CancelledContext(t *testing.T) {
	e := NewEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Wide enough to visit more than 64 nodes before finishing.
	expr := strings.Repeat("name.given.exists() and ", 40) + "true"
	_, err := e.EvaluateBoolean(ctx, patient(t), expr)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestEvaluate_StepLimit(t *testing.T) {
	e := NewEngine(WithMaxSteps(10))
	expr := strings.Repeat("active and ", 20) + "true"
	if _, err := e.EvaluateBoolean(context.Background(), patient(t), expr); err == nil {
		t.Error("expected step limit error")
	}
}

func TestEvaluate_NilResource(t *testing.T) {
	e := NewEngine()
	got, err := e.EvaluateBoolean(context.Background(), nil, "active")
	if err != nil || got {
		t.Errorf("expected false/nil, got %v/%v", got, err)
	}
}
