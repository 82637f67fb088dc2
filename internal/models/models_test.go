package models

import "testing"

func TestDefaultHostPredicate(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{name: "Jahaan HOST", want: true},
		{name: "host", want: true},
		{name: "TheHostess", want: true},
		{name: "Alice", want: false},
		{name: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultHostPredicate(tt.name); got != tt.want {
				t.Fatalf("DefaultHostPredicate(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}
