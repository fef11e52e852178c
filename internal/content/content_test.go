package content

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello world", "hello world"},
		{"script", `hello <script>alert("x")</script>world`, "hello world"},
		{"allowed markup", "<b>bold</b>", "<b>bold</b>"},
		{"event handler", `<a href="https://example.com" onclick="evil()">link</a>`, `<a href="https://example.com" rel="nofollow">link</a>`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sanitize(tc.input); got != tc.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	short := "a short message"
	if got := Preview(short); got != short {
		t.Errorf("Preview(%q) = %q", short, got)
	}

	long := strings.Repeat("x", 150)
	got := Preview(long)
	if len([]rune(got)) != 103 {
		t.Errorf("Preview of 150 chars has length %d, want 103", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("Preview of long body should end with ellipsis, got %q", got)
	}
	if got[:100] != long[:100] {
		t.Error("Preview should keep the first 100 characters")
	}

	// Exactly at the limit, no marker.
	exact := strings.Repeat("y", 100)
	if got := Preview(exact); got != exact {
		t.Errorf("Preview at the limit should not truncate, got %d chars", len(got))
	}

	// Markup is stripped before truncation.
	if got := Preview("<b>hi</b> there"); got != "hi there" {
		t.Errorf("Preview should strip markup, got %q", got)
	}
}

func TestRenderMarkdown(t *testing.T) {
	got := RenderMarkdown("**bold** text")
	if !strings.Contains(got, "<strong>bold</strong>") {
		t.Errorf("RenderMarkdown did not render bold: %q", got)
	}

	got = RenderMarkdown(`hello <script>alert("x")</script>`)
	if strings.Contains(got, "<script>") {
		t.Errorf("RenderMarkdown let script through: %q", got)
	}
}

func TestValidateUsername(t *testing.T) {
	valid := []string{"alice", "bob.smith", "user_1", "a-b"}
	for _, u := range valid {
		if err := ValidateUsername(u); err != nil {
			t.Errorf("ValidateUsername(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{"", "has space", "semi;colon", "<tag>"}
	for _, u := range invalid {
		if err := ValidateUsername(u); err == nil {
			t.Errorf("ValidateUsername(%q) = nil, want error", u)
		}
	}
}
