package feature

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestNewRejectsWrongLength(t *testing.T) {
	_, err := New(ModalityTouch, make([]float64, 9), time.Now())
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	_, err = New(ModalityTouch, make([]float64, 11), time.Now())
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNewRejectsUnknownModality(t *testing.T) {
	_, err := New(Modality("gait"), make([]float64, Dim), time.Now())
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNewSanitizesNonFinite(t *testing.T) {
	values := make([]float64, Dim)
	values[0] = math.NaN()
	values[1] = math.Inf(1)
	values[2] = math.Inf(-1)
	values[3] = 1.5

	v, err := New(ModalityTyping, values, time.Now())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if v.Values[0] != 0 || v.Values[1] != 0 || v.Values[2] != 0 {
		t.Errorf("non-finite entries should be sanitized to 0, got %v", v.Values[:3])
	}
	if v.Values[3] != 1.5 {
		t.Errorf("finite entry should be untouched, got %v", v.Values[3])
	}
}

func TestNewCopiesInput(t *testing.T) {
	values := make([]float64, Dim)
	v, err := New(ModalityMotion, values, time.Now())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	values[0] = 99
	if v.Values[0] != 0 {
		t.Error("vector should not alias caller's slice")
	}
}

func TestAllFinite(t *testing.T) {
	if !AllFinite([]float64{0, 1, -2.5}) {
		t.Error("finite slice reported non-finite")
	}
	if AllFinite([]float64{0, math.NaN()}) {
		t.Error("NaN not detected")
	}
	if AllFinite([]float64{math.Inf(1)}) {
		t.Error("Inf not detected")
	}
}
