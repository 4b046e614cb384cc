package ui

import "testing"

func TestRenderEventType(t *testing.T) {
	defer func() { noColor = false }()

	noColor = false
	tests := []struct {
		in   string
		want string
	}{
		{"insert", "\x1b[38;5;114minsert\x1b[0m"},
		{"update", "\x1b[38;5;179mupdate\x1b[0m"},
		{"delete", "\x1b[38;5;167mdelete\x1b[0m"},
		{"other", "other"},
	}
	for _, tt := range tests {
		if got := RenderEventType(tt.in); got != tt.want {
			t.Errorf("RenderEventType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	ForceNoColor()
	if got := RenderEventType("insert"); got != "insert" {
		t.Errorf("no color: got %q", got)
	}
	if got := RenderSequence(42); got != "#42" {
		t.Errorf("RenderSequence = %q, want #42", got)
	}
}

func TestShouldUseColor(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want bool
	}{
		{"NO_COLOR wins", map[string]string{"NO_COLOR": "1", "CLICOLOR_FORCE": "1"}, false},
		{"forced", map[string]string{"CLICOLOR_FORCE": "1"}, true},
		{"CLICOLOR=0", map[string]string{"CLICOLOR": "0"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NO_COLOR", "")
			t.Setenv("CLICOLOR_FORCE", "")
			t.Setenv("CLICOLOR", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := ShouldUseColor(); got != tt.want {
				t.Errorf("ShouldUseColor() = %v, want %v", got, tt.want)
			}
		})
	}
}
