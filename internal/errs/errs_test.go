package errs

import (
	"errors"
	"net/http"
	"testing"
)

func TestCoreError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *CoreError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(KindAuth, "test message"),
			want: "[AUTH] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(KindStorage, "test message", errors.New("underlying")),
			want: "[STORAGE] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCoreError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(KindTransport, "test", underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestCoreError_WithDetail(t *testing.T) {
	err := New(KindRule, "test")
	err.WithDetail("rule", "login-burst").WithDetail("reason", "bad predicate")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["rule"] != "login-burst" {
		t.Errorf("Details[rule] = %v, want login-burst", err.Details["rule"])
	}
}

func TestQueueFull(t *testing.T) {
	err := QueueFull(4096)

	if err.Kind != KindQueueFull {
		t.Errorf("Kind = %v, want %v", err.Kind, KindQueueFull)
	}
	if err.Details["capacity"] != 4096 {
		t.Errorf("Details[capacity] = %v, want 4096", err.Details["capacity"])
	}
}

func TestClockSkew(t *testing.T) {
	err := ClockSkew(90_000_000_000, 60_000_000_000)
	if err.Kind != KindClockSkew {
		t.Errorf("Kind = %v, want %v", err.Kind, KindClockSkew)
	}
}

func TestSchema(t *testing.T) {
	err := Schema("unrecognized class: BOGUS")
	if err.Kind != KindSchema {
		t.Errorf("Kind = %v, want %v", err.Kind, KindSchema)
	}
	if got := HTTPStatus(err); got != http.StatusUnprocessableEntity {
		t.Errorf("HTTPStatus(Schema) = %d, want %d", got, http.StatusUnprocessableEntity)
	}
}

func TestIsAndKindOf(t *testing.T) {
	err := Verify("signature mismatch", errors.New("ed25519: invalid signature"))

	if !Is(err, KindVerify) {
		t.Errorf("Is(err, KindVerify) = false, want true")
	}
	if Is(err, KindAuth) {
		t.Errorf("Is(err, KindAuth) = true, want false")
	}

	kind, ok := KindOf(err)
	if !ok || kind != KindVerify {
		t.Errorf("KindOf(err) = (%v, %v), want (%v, true)", kind, ok, KindVerify)
	}

	if _, ok := KindOf(errors.New("plain error")); ok {
		t.Errorf("KindOf(plain error) ok = true, want false")
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(QueueFull(10)); got != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus(QueueFull) = %d, want %d", got, http.StatusServiceUnavailable)
	}
	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus(plain) = %d, want %d", got, http.StatusInternalServerError)
	}
}
