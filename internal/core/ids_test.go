package core

import "testing"

func TestNewID(t *testing.T) {
	id := NewID()
	if !IsTimeOrderedID(id) {
		t.Errorf("NewID() = %q, not a canonical UUIDv7", id)
	}

	other := NewID()
	if id == other {
		t.Error("consecutive IDs should differ")
	}
}

func TestIsTimeOrderedID(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"01912d68-783e-7a03-8467-5661c1243ad4", true},
		{"01912d68-783e-4a03-8467-5661c1243ad4", false}, // v4
		{"01912d68-783e-7a03-c467-5661c1243ad4", false}, // bad variant
		{"not-a-uuid", false},
		{"", false},
		{"01912D68-783E-7A03-8467-5661C1243AD4", false}, // uppercase rejected
	}

	for _, tt := range tests {
		if got := IsTimeOrderedID(tt.input); got != tt.want {
			t.Errorf("IsTimeOrderedID(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
