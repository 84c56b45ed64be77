package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestRetryableTxErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"check violation", &pq.Error{Code: "23514"}, false},
		{"wrapped deadlock", fmt.Errorf("commit: %w", &pq.Error{Code: "40P01"}), true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		if got := isRetryableTxError(tt.err); got != tt.want {
			t.Errorf("%s: isRetryableTxError = %v, want %v", tt.name, got, tt.want)
		}
	}
}
