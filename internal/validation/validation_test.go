package validation

import (
	"testing"

	"github.com/pitabwire/procura/model"
)

type sample struct {
	Title    string   `json:"title" validate:"required,max=5"`
	Currency string   `json:"currency" validate:"required,len=3,uppercase"`
	Total    float64  `json:"estimated_total" validate:"gte=0"`
	Tags     []string `json:"tags" validate:"omitempty,dive,required"`
}

func TestStruct_valid(t *testing.T) {
	if err := Struct(sample{Title: "ok", Currency: "EUR"}); err != nil {
		t.Fatalf("Struct() = %v, want nil", err)
	}
}

func TestStruct_collectsEveryField(t *testing.T) {
	err := Struct(sample{Title: "too long", Currency: "eu", Total: -1, Tags: []string{"a", ""}})
	ee := model.AsEnvelope(err)
	if ee == nil || ee.Code != model.ErrValidationError {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}

	got := map[string]string{}
	for _, d := range ee.Details {
		got[d.Field] = d.Code
	}
	want := map[string]string{
		"title":           "MAX",
		"currency":        "LEN",
		"estimated_total": "GTE",
		"tags[1]":         "REQUIRED",
	}
	for field, code := range want {
		if got[field] != code {
			t.Errorf("details[%s] = %q, want %q (all: %v)", field, got[field], code, got)
		}
	}
}

func TestVar(t *testing.T) {
	tag, param, ok, err := Var("x", "min=3")
	if err != nil {
		t.Fatalf("Var() error = %v", err)
	}
	if ok || tag != "min" || param != "3" {
		t.Errorf("Var() = %q %q %v", tag, param, ok)
	}

	if _, _, ok, _ := Var("a@b.io", "email"); !ok {
		t.Error("valid email rejected")
	}
}

func TestFieldError_messages(t *testing.T) {
	tests := []struct {
		tag, param, want string
	}{
		{"required", "", "is required"},
		{"oneof", "low high", "must be one of: low, high"},
		{"max", "10", "must be at most 10"},
		{"custom", "", "failed custom"},
	}
	for _, tt := range tests {
		if got := FieldError("f", tt.tag, tt.param).Message; got != tt.want {
			t.Errorf("message(%s) = %q, want %q", tt.tag, got, tt.want)
		}
	}
}
