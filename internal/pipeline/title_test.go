package pipeline

import "testing"

func TestLooksAutoGenerated(t *testing.T) {
	tests := []struct {
		title string
		want  bool
	}{
		{"", true},
		{"   ", true},
		{"Session 2024-06-01 10:30", true},
		{"Recording", true},
		{"Untitled", true},
		{"New Recording", true},
		{"audio", true},
		{"Meeting", true},
		{"2024-06-01", true},
		{"2024/06/01 10:30", true},
		{"20240601_103000", true},
		{"audio.m4a", true},
		{"recording_01.wav", true},
		{"voice memo 12", true},
		{"IMG_1234", true},
		{"standup.mp3", true},
		{"notes.webm", true},
		{"1717236000", true},
		{"1717236000123", true},
		{"call 12345678", true},
		{"3f2a9c0d1e4b5a6f7788", true},
		{"3F2A9C0D-1E4B-4A6F-8899-AABBCCDDEEFF", true},

		{"Q3 budget review", false},
		{"Release planning", false},
		{"Meeting with Alice", false},
		{"Demo Recording", false},
		{"1:1 with Sam", false},
		{"Sprint 42 retro", false},
		{"Cafe brainstorm", false},
		{"Session", false},
		{"Session planning with Ann", false},
		{"Session 2024-06-01 10:30 recap", false},
	}
	for _, tt := range tests {
		if got := LooksAutoGenerated(tt.title); got != tt.want {
			t.Errorf("LooksAutoGenerated(%q) = %v, want %v", tt.title, got, tt.want)
		}
	}
}
