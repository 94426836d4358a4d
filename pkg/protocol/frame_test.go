package protocol

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("PREPARE"),
		[]byte(""),
		[]byte("VOTE_COMMIT"),
		bytes.Repeat([]byte{0x00, 0xff, 'G', 'L', 'O', 'B', 'A', 'L'}, 100),
	}

	for _, payload := range cases {
		var buf bytes.Buffer

		if err := WriteFrame(&buf, payload); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}

		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}

		if !bytes.Equal(got, payload) {
			t.Errorf("expected %q, got %q", payload, got)
		}
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer

	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	if err != ErrFrameTooLarge {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestWriteReadToken(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteToken(&buf, VoteCommit); err != nil {
		t.Fatalf("WriteToken failed: %v", err)
	}

	tok, err := ReadToken(&buf)
	if err != nil {
		t.Fatalf("ReadToken failed: %v", err)
	}

	if tok != VoteCommit {
		t.Errorf("expected %q, got %q", VoteCommit, tok)
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteToken(&buf, Prepare); err != nil {
		t.Fatalf("WriteToken failed: %v", err)
	}
	stmt := Statement{Table: "transaction_table", Values: map[string]any{"name": "Ada", "salary": 1000}}
	payload, err := stmt.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	tok, err := ReadToken(&buf)
	if err != nil {
		t.Fatalf("ReadToken failed: %v", err)
	}
	if tok != Prepare {
		t.Errorf("expected PREPARE, got %q", tok)
	}

	raw, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	got, err := DecodeStatement(raw)
	if err != nil {
		t.Fatalf("DecodeStatement failed: %v", err)
	}
	if got.Table != stmt.Table {
		t.Errorf("expected table %q, got %q", stmt.Table, got.Table)
	}
}

func TestStatementValidate(t *testing.T) {
	cases := []struct {
		name    string
		stmt    Statement
		wantErr bool
	}{
		{"valid", Statement{Table: "t", Values: map[string]any{"a": 1}}, false},
		{"no table", Statement{Values: map[string]any{"a": 1}}, true},
		{"no values", Statement{Table: "t"}, true},
	}

	for _, c := range cases {
		err := c.stmt.Validate()
		if c.wantErr && err == nil {
			t.Errorf("%s: expected error, got nil", c.name)
		}
		if !c.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", c.name, err)
		}
	}
}

func TestSafeIdent(t *testing.T) {
	if _, err := SafeIdent(""); err == nil {
		t.Error("expected error for empty identifier")
	}
	if _, err := SafeIdent("drop table; --"); err == nil {
		t.Error("expected error for identifier with invalid characters")
	}
	got, err := SafeIdent("Employee_Name")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "employee_name" {
		t.Errorf("expected lower-cased identifier, got %q", got)
	}
}
