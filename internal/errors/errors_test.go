package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsMatchesSentinelRegardlessOfDetail(t *testing.T) {
	err := ConstraintViolated("session.create", "unique_session_id", fmt.Errorf("dup"))
	if !errors.Is(err, ErrConstraintViolated) {
		t.Errorf("expected errors.Is(err, ErrConstraintViolated) to match")
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("expected errors.Is(err, ErrNotFound) not to match a constraint violation")
	}
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	base := NotFound("session.get", "abc123")
	wrapped := fmt.Errorf("loading session: %w", base)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Errorf("expected wrapped error to still match ErrNotFound")
	}
}

func TestRetryableOnlyTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", Transient("pool.acquire", fmt.Errorf("connection reset")), true},
		{"permanent", Permanent("vector.upsert", "wrong_vector_length", nil), false},
		{"not_found", NotFound("session.get", "missing"), false},
		{"raw_error", fmt.Errorf("unclassified"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Retryable(c.err); got != c.want {
				t.Errorf("Retryable(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestKindOfDefaultsToPermanentForUnclassifiedErrors(t *testing.T) {
	if got := KindOf(fmt.Errorf("boom")); got != KindPermanent {
		t.Errorf("KindOf(unclassified) = %v, want %v", got, KindPermanent)
	}
	if got := KindOf(Conflict("session.create", "already_active")); got != KindConflict {
		t.Errorf("KindOf(conflict) = %v, want %v", got, KindConflict)
	}
}

func TestErrorMessageIncludesOpKindDetailAndCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Permanent("vector.upsert", "wrong_vector_length", cause)
	msg := err.Error()
	for _, want := range []string{"vector.upsert", "permanent", "wrong_vector_length", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}
