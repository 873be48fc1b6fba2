package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(ErrCategorySchema, CodeTableNotFound, "table not defined")
	expected := "[SCHEMA:TABLE_NOT_FOUND] table not defined"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("disk I/O error")
	err := Wrap(ErrCategoryConnection, CodeConnectionFailed, "connect failed", cause)
	expected := "[CONNECTION:CONNECTION_FAILED] connect failed: disk I/O error"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryPopulate, CodeComputeFailed, "hook failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestError_Is(t *testing.T) {
	err1 := New(ErrCategoryTransaction, CodeNestedTransaction, "first")
	err2 := New(ErrCategoryTransaction, CodeNestedTransaction, "second")
	err3 := New(ErrCategoryTransaction, CodeTransactionInProgress, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestGetCategory(t *testing.T) {
	err := New(ErrCategoryPopulate, CodeNoParents, "no parents")
	if GetCategory(err) != ErrCategoryPopulate {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryPopulate)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-keyfill error should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := New(ErrCategorySchema, CodeUnsupportedType, "bad type")
	if GetCode(err) != CodeUnsupportedType {
		t.Errorf("got %q, want %q", GetCode(err), CodeUnsupportedType)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-keyfill error should return empty code")
	}
}

func TestGetCode_Wrapped(t *testing.T) {
	inner := New(ErrCategorySchema, CodeAttributeNotFound, "missing")
	outer := fmt.Errorf("projecting: %w", inner)
	if GetCode(outer) != CodeAttributeNotFound {
		t.Errorf("got %q, want %q", GetCode(outer), CodeAttributeNotFound)
	}
	if !HasCode(outer, CodeAttributeNotFound) {
		t.Error("HasCode should see through fmt.Errorf wrapping")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategorySchema, CodeUnsupportedType, "bad type")
	detailed := err.WithDetails(map[string]interface{}{"column": "payload"})

	if detailed.Details["column"] != "payload" {
		t.Error("WithDetails should set details")
	}
	// Original should be unmodified
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	s := NewSchemaError(CodeIllegalComment, "bad comment")
	if s.Category != ErrCategorySchema || s.Code != CodeIllegalComment {
		t.Error("NewSchemaError mismatch")
	}

	c := NewConnectionError("cannot connect", cause)
	if c.Category != ErrCategoryConnection || !errors.Is(c, cause) {
		t.Error("NewConnectionError mismatch")
	}

	x := NewTransactionError(CodeNestedTransaction, "nested")
	if x.Category != ErrCategoryTransaction {
		t.Error("NewTransactionError mismatch")
	}

	p := NewComputeError("hook blew up", cause)
	if p.Code != CodeComputeFailed || !errors.Is(p, cause) {
		t.Error("NewComputeError mismatch")
	}

	g := NewStorageError(CodeGetFailed, "fetch failed", cause)
	if g.Category != ErrCategoryStorage {
		t.Error("NewStorageError mismatch")
	}
}
