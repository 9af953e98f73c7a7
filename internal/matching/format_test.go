package matching

import "testing"

func TestFormatList(t *testing.T) {
	tests := []struct {
		items []string
		want  string
	}{
		{nil, ""},
		{[]string{"Radiohead"}, "Radiohead"},
		{[]string{"Radiohead", "Björk"}, "Radiohead & Björk"},
		{[]string{"A", "B", "C"}, "A, B and C"},
		{[]string{"A", "B", "C", "D"}, "A, B, C and D"},
	}
	for _, tt := range tests {
		if got := FormatList(tt.items); got != tt.want {
			t.Errorf("FormatList(%v) = %q, want %q", tt.items, got, tt.want)
		}
	}
}
