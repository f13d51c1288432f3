package browser

import (
	"strings"
	"testing"
)

func TestDecodeSelector(t *testing.T) {
	cases := []struct {
		sel   string
		kind  string
		value string
	}{
		{"#login", "css", "#login"},
		{"button.primary", "css", "button.primary"},
		{`[data-testid="submit"]`, "css", `[data-testid="submit"]`},
		{"xpath=//button[1]", "xpath", "//button[1]"},
		{"text=Login", "text", "Login"},
		{"role=button", "role", "button"},
		{"label=Email address", "label", "Email address"},
	}
	for _, tc := range cases {
		kind, value := decodeSelector(tc.sel)
		if kind != tc.kind || value != tc.value {
			t.Errorf("decodeSelector(%q) = (%q, %q), want (%q, %q)",
				tc.sel, kind, value, tc.kind, tc.value)
		}
	}
}

func TestRoleSelectorCoversImplicitElements(t *testing.T) {
	sel := roleSelector("button")
	if !strings.Contains(sel, `[role="button"]`) {
		t.Errorf("missing explicit role clause: %q", sel)
	}
	if !strings.Contains(sel, "input[type='submit']") {
		t.Errorf("missing implicit submit input: %q", sel)
	}

	// Unknown roles still match an explicit role attribute.
	if got := roleSelector("tooltip"); got != `[role="tooltip"]` {
		t.Errorf("roleSelector(tooltip) = %q", got)
	}
}
