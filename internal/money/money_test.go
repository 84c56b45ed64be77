package money

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1", 100000000, true},
		{"1.5", 150000000, true},
		{"0.00000001", 1, true},
		{"0.000000001", 0, false}, // more than 8 dp
		{"1.000000001", 0, false},
		{"0.00000001000", 0, false},
		{"250", 25000000000, true},
		{".5", 50000000, true},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Int64() != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got.Int64(), tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.00000000"},
		{1, "0.00000001"},
		{150000000, "1.50000000"},
		{-150000000, "-1.50000000"},
	}

	for _, tt := range tests {
		if got := Format(big.NewInt(tt.in)); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := Format(nil); got != Zero {
		t.Errorf("Format(nil) = %q, want %q", got, Zero)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.00000000", "1.00000000", "250.00000000", "0.12345678"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v); got != s {
			t.Errorf("round trip %q = %q", s, got)
		}
	}
}

func TestArithmetic(t *testing.T) {
	if got := Add("1.5", "2.5"); got != "4.00000000" {
		t.Errorf("Add = %q", got)
	}
	if got := Sub("10", "2.5"); got != "7.50000000" {
		t.Errorf("Sub = %q", got)
	}
	if Cmp("1.5", "1.50") != 0 {
		t.Error("Cmp equal amounts != 0")
	}
	if Cmp("1", "2") >= 0 {
		t.Error("Cmp(1,2) should be negative")
	}
	if !IsPositive("0.00000001") {
		t.Error("smallest unit should be positive")
	}
	if IsPositive("0") || IsPositive("-1") {
		t.Error("zero and negatives are not positive")
	}
}

func TestParseSigned(t *testing.T) {
	v, ok := ParseSigned("-1.5")
	if !ok || v.Int64() != -150000000 {
		t.Errorf("ParseSigned(-1.5) = %v, %v", v, ok)
	}
	v, ok = ParseSigned("2")
	if !ok || v.Int64() != 200000000 {
		t.Errorf("ParseSigned(2) = %v, %v", v, ok)
	}
	if _, ok := ParseSigned("--1"); ok {
		t.Error("double minus should fail")
	}
}

func TestNeg(t *testing.T) {
	if got := Neg("1.5"); got != "-1.50000000" {
		t.Errorf("Neg(1.5) = %q", got)
	}
	if got := Neg("-2"); got != "2.00000000" {
		t.Errorf("Neg(-2) = %q", got)
	}
}

func TestMulBps(t *testing.T) {
	// 100 at 25 bps = 0.25
	if got := MulBps("100", 25); got != "0.25000000" {
		t.Errorf("MulBps(100, 25) = %q", got)
	}
	if got := MulBps("100", 0); got != Zero {
		t.Errorf("MulBps(100, 0) = %q", got)
	}
	// Rounds down on sub-unit results.
	if got := MulBps("0.00000001", 50); got != Zero {
		t.Errorf("MulBps smallest = %q", got)
	}
}
