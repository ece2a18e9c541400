package api

import (
	"errors"
	"fmt"
	"testing"
)

func TestRemoteErrorMapsSentinels(t *testing.T) {
	t.Parallel()
	timeout := fmt.Errorf("wrapped: %w", &RemoteError{Kind: KindResourcePut, Code: CodeTimeout})
	if !IsTimeout(timeout) {
		t.Fatalf("remote timeout should satisfy IsTimeout")
	}
	reset := &RemoteError{Kind: KindPageRead, Code: CodeConnectionReset}
	if !IsReset(reset) {
		t.Fatalf("remote reset should satisfy IsReset")
	}
	if IsTimeout(reset) {
		t.Fatalf("reset must not be a timeout")
	}
}

func TestConflictFromRemote(t *testing.T) {
	t.Parallel()
	remote := &RemoteError{Kind: KindPageWrite, Code: CodeClientError, Reason: string(ConflictQuotaExceeded), Message: "page too large"}
	err := ConflictFromRemote(remote)
	if !IsConflict(err, ConflictQuotaExceeded) {
		t.Fatalf("expected quota conflict, got %v", err)
	}
	if !IsConflict(err, "") {
		t.Fatalf("empty reason should match any conflict")
	}
	var back *RemoteError
	if !errors.As(err, &back) || back != remote {
		t.Fatalf("conflict should unwrap to the remote error")
	}

	other := &RemoteError{Kind: KindPageWrite, Code: CodeInternalError}
	if got := ConflictFromRemote(other); got != other {
		t.Fatalf("non client errors must pass through, got %v", got)
	}
}

func TestValidationError(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("batch: %w", &ValidationError{Op: "put", Reason: "method must be GET"})
	if !IsValidation(err) {
		t.Fatalf("expected validation error")
	}
	if IsConflict(err, "") {
		t.Fatalf("validation is not a conflict")
	}
}

func TestCodeString(t *testing.T) {
	t.Parallel()
	if CodeClientError.String() != "client_error" {
		t.Fatalf("unexpected %s", CodeClientError)
	}
	if Code(42).String() != "code(42)" {
		t.Fatalf("unexpected %s", Code(42))
	}
}
