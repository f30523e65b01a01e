package xerrors

import (
	"errors"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestWrapPreservesSentinel(t *testing.T) {
	sentinel := errors.New("underlying failure")
	err := Wrap(sentinel, ErrConfiguration, "startup rejected")

	if !errors.Is(err, sentinel) {
		t.Fatal("wrapped error must unwrap to the sentinel")
	}
	if err.Type != ErrConfiguration {
		t.Fatalf("type = %s, want Configuration", err.Type)
	}
	if len(err.Stack) == 0 {
		t.Fatal("wrap must capture a stack")
	}
}

func TestWrapNil(t *testing.T) {
	if got := Wrap(nil, ErrInternal, "ignored"); got != nil {
		t.Fatalf("wrap(nil) = %v, want nil", got)
	}
}

func TestWrapExistingErrorKeepsType(t *testing.T) {
	orig := Unavailable("draining")
	rewrapped := Wrap(orig, ErrInternal, "new message")

	if rewrapped.Type != ErrUnavailable {
		t.Fatalf("type = %s, want original Unavailable", rewrapped.Type)
	}
	if rewrapped.Message != "new message" {
		t.Fatalf("message = %q", rewrapped.Message)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{InvalidArg("bad"), http.StatusBadRequest},
		{Unavailable("stopping"), http.StatusServiceUnavailable},
		{Configuration("no endpoints", nil), http.StatusInternalServerError},
		{Internal("boom", nil), http.StatusInternalServerError},
		{New(ErrLimitExceeded, 429, "slow down", "", nil), http.StatusTooManyRequests},
		{New(ErrDeadlineExceeded, 504, "late", "", nil), http.StatusGatewayTimeout},
	}
	for _, c := range cases {
		if got := c.err.HTTPStatus(); got != c.want {
			t.Errorf("%s -> %d, want %d", c.err.Type, got, c.want)
		}
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	if got := Configuration("bad", nil).GRPCCode(); got != codes.FailedPrecondition {
		t.Fatalf("configuration -> %s, want FailedPrecondition", got)
	}
	if got := Unavailable("stopping").GRPCCode(); got != codes.Unavailable {
		t.Fatalf("unavailable -> %s, want Unavailable", got)
	}
	st := Unavailable("stopping").ToGRPCStatus()
	if st.Code() != codes.Unavailable {
		t.Fatalf("status code = %s", st.Code())
	}
}

func TestWithContextAndDetail(t *testing.T) {
	err := Internal("boom", nil).
		WithContext("request_id", "abc").
		WithDetail("failed after %d attempts", 3)

	if err.Context["request_id"] != "abc" {
		t.Fatalf("context = %v", err.Context)
	}
	if err.Detail != "failed after 3 attempts" {
		t.Fatalf("detail = %q", err.Detail)
	}
}
