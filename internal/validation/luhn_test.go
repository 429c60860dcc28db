package validation

import (
	"testing"
	"time"
)

func TestIsValidOrderNumber(t *testing.T) {
	tests := []struct {
		name   string
		number string
		valid  bool
	}{
		{
			name:   "valid example 1",
			number: "79927398713",
			valid:  true,
		},
		{
			name:   "valid example 2",
			number: "4539578763621486",
			valid:  true,
		},
		{
			name:   "invalid checksum",
			number: "79927398710",
			valid:  false,
		},
		{
			name:   "contains letters",
			number: "1234a67890",
			valid:  false,
		},
		{
			name:   "empty string",
			number: "",
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidOrderNumber(tt.number)
			if got != tt.valid {
				t.Fatalf("IsValidOrderNumber(%q) = %v, want %v", tt.number, got, tt.valid)
			}
		})
	}
}


func TestAppendCheckDigit(t *testing.T) {
	tests := []struct {
		digits string
		want   string
	}{
		{digits: "7992739871", want: "79927398713"},
		{digits: "453957876362148", want: "4539578763621486"},
		{digits: "0", want: "00"},
	}

	for _, tt := range tests {
		t.Run(tt.digits, func(t *testing.T) {
			got, err := AppendCheckDigit(tt.digits)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("AppendCheckDigit(%q) = %q, want %q", tt.digits, got, tt.want)
			}
		})
	}
}

func TestAppendCheckDigitRejectsGarbage(t *testing.T) {
	if _, err := AppendCheckDigit(""); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := AppendCheckDigit("12x4"); err == nil {
		t.Fatal("expected error for non-digit input")
	}
}

func TestNewOrderNumber(t *testing.T) {
	now := time.Date(2025, 3, 14, 23, 59, 0, 0, time.UTC)

	for i := 0; i < 50; i++ {
		number, err := NewOrderNumber(now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(number) != OrderNumberLength {
			t.Fatalf("length = %d, want %d", len(number), OrderNumberLength)
		}
		if number[:8] != "20250314" {
			t.Fatalf("date prefix = %q", number[:8])
		}
		if !IsValidOrderNumber(number) {
			t.Fatalf("generated number %q fails Luhn check", number)
		}
	}
}
