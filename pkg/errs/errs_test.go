package errs

import (
	"errors"
	"testing"

	"github.com/LewisTansley/ntfsconv/pkg/types"
)

func TestWithStepAndStep(t *testing.T) {
	base := errors.New("boom")
	wrapped := WithStep(types.OpMigrateFiles, base)

	step, ok := Step(wrapped)
	if !ok {
		t.Fatal("Step() did not find an attached step")
	}
	if step != types.OpMigrateFiles {
		t.Errorf("Step() = %q, want %q", step, types.OpMigrateFiles)
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base via errors.Is")
	}
}

func TestWithStepNil(t *testing.T) {
	if WithStep(types.OpMigrateFiles, nil) != nil {
		t.Error("WithStep(_, nil) should return nil")
	}
}

func TestStepNotFoundOnPlainError(t *testing.T) {
	if _, ok := Step(errors.New("plain")); ok {
		t.Error("Step() should not find a step on a plain error")
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(nil) {
		t.Error("IsFatal(nil) should be false")
	}
	if IsFatal(&NoProgressError{Iterations: 3}) {
		t.Error("NoProgressError should not be fatal on its own")
	}
	if !IsFatal(&VerificationError{Total: 10}) {
		t.Error("VerificationError should be fatal")
	}
}

func TestBlockOpErrorUnwraps(t *testing.T) {
	base := errors.New("exit status 1")
	err := &BlockOpError{Op: "shrink_ntfs", Err: base}
	if !errors.Is(err, base) {
		t.Error("BlockOpError should unwrap to its underlying error")
	}
}
