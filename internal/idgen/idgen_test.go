package idgen

import (
	"regexp"
	"testing"
)

func TestPrefixedIDs(t *testing.T) {
	tests := []struct {
		name    string
		gen     func() string
		pattern string
	}{
		{"account", AccountID, `^bot_[a-f0-9]{16}$`},
		{"transaction", TransactionID, `^tx_[a-f0-9]{24}$`},
		{"escrow", EscrowID, `^esc_[a-f0-9]{20}$`},
		{"batch", BatchID, `^batch_[a-f0-9]{16}$`},
		{"schedule", ScheduleID, `^sched_[a-f0-9]{20}$`},
		{"apikey", APIKey, `^rbx_[a-f0-9]{48}$`},
	}

	for _, tt := range tests {
		re := regexp.MustCompile(tt.pattern)
		for i := 0; i < 10; i++ {
			id := tt.gen()
			if !re.MatchString(id) {
				t.Errorf("%s: %q does not match %s", tt.name, id, tt.pattern)
			}
		}
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := TransactionID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestValidAPIKey(t *testing.T) {
	if !ValidAPIKey(APIKey()) {
		t.Error("generated key should validate")
	}
	for _, bad := range []string{"", "rbx_", "rbx_XYZ", "bot_0011223344556677", APIKey() + "0"} {
		if ValidAPIKey(bad) {
			t.Errorf("ValidAPIKey(%q) should be false", bad)
		}
	}
}
