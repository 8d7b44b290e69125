package security

import "testing"

func TestTextSanitizer_Clean(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキストはそのまま", "PLA Filament 1.75mm", "PLA Filament 1.75mm"},
		{"空文字列は空文字列", "", ""},
		{"scriptタグを除去", `<script>alert(1)</script>Glue`, "Glue"},
		{"装飾タグも除去しテキストは残す", "<b>Sandpaper</b> 120-grit", "Sandpaper 120-grit"},
		{"前後の空白をトリム", "  Paper Towels  ", "Paper Towels"},
		{"実体参照を復元", "Nuts &amp; Bolts", "Nuts & Bolts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Clean(tt.input); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTextSanitizer_Idempotent(t *testing.T) {
	s := NewTextSanitizer()

	input := `<img src=x onerror=alert(1)>Loctite Ultra Gel`
	once := s.Clean(input)
	twice := s.Clean(once)
	if once != twice {
		t.Errorf("サニタイズが冪等でない: %q != %q", once, twice)
	}
}
