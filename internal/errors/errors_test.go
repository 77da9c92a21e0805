package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := Wrap(CodeChainFailure, cause, "提交交易失败")

	if CodeOf(err) != CodeChainFailure {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through errors.Is")
	}
	if !RetryableError(err) {
		t.Fatal("chain failures should be retryable by default")
	}
	if HTTPStatus(err) != http.StatusBadGateway {
		t.Fatalf("unexpected http status %d", HTTPStatus(err))
	}
}

func TestHasCodeWalksNestedErrors(t *testing.T) {
	inner := New(CodeTimeout, "等待确认超时")
	outer := Wrap(CodeChainFailure, fmt.Errorf("anchor: %w", inner), "锚定失败")

	if !HasCode(outer, CodeTimeout) {
		t.Fatal("expected nested timeout code to be found")
	}
	if HasCode(outer, CodeStorageFailure) {
		t.Fatal("unexpected storage code")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, HTTPStatus: http.StatusTeapot})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if HTTPStatus(err) != http.StatusTeapot {
		t.Fatalf("unexpected http status %d", HTTPStatus(err))
	}
	if HTTPStatus(stdErrors.New("plain")) != http.StatusInternalServerError {
		t.Fatal("plain errors should map to 500")
	}
}
