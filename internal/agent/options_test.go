package agent

import "testing"

func TestOptionsToolLists(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		disallowed []string
		tool       string
		want       bool
	}{
		{"empty lists allow everything", nil, nil, "Bash", true},
		{"allow list admits listed tool", []string{"Bash"}, nil, "Bash", true},
		{"allow list excludes unlisted tool", []string{"Read"}, nil, "Bash", false},
		{"deny list wins over allow list", []string{"Bash"}, []string{"Bash"}, "Bash", false},
		{"deny list blocks with empty allow list", nil, []string{"Bash"}, "Bash", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Options{AllowedTools: tt.allowed, DisallowedTools: tt.disallowed}
			if got := o.ToolAllowed(tt.tool); got != tt.want {
				t.Errorf("ToolAllowed(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestOptionsCloneClearsContinuation(t *testing.T) {
	o := Options{
		Cwd:         "/work",
		Model:       "m",
		Resume:      "sess-1",
		ForkSession: true,
	}
	c := o.Clone()
	if c.Resume != "" || c.ForkSession {
		t.Errorf("Clone kept continuation fields: Resume=%q ForkSession=%v", c.Resume, c.ForkSession)
	}
	if c.Cwd != "/work" || c.Model != "m" {
		t.Errorf("Clone lost config fields: %+v", c)
	}
}
