package path

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		tokens  []string
		wantErr bool
	}{
		{"", nil, false},
		{"/apps/web", []string{"apps", "web"}, false},
		{"/a~1b/c~0d", []string{"a/b", "c~d"}, false},
		{"/", []string{""}, false},
		{"apps", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !p.Equal(FromTokens(tt.tokens...)) {
				t.Errorf("Expected tokens %v, got %v", tt.tokens, p.Tokens())
			}
			if p.String() != tt.in {
				t.Errorf("Expected round trip %q, got %q", tt.in, p.String())
			}
		})
	}
}

func TestContainsAndOverlaps(t *testing.T) {
	apps := MustParse("/apps")
	web := MustParse("/apps/web")
	db := MustParse("/apps/db")

	if !apps.Contains(web) {
		t.Error("Expected /apps to contain /apps/web")
	}
	if web.Contains(apps) {
		t.Error("Expected /apps/web not to contain /apps")
	}
	if !web.Contains(web) {
		t.Error("Expected Contains to be reflexive")
	}
	if web.Overlaps(db) {
		t.Error("Expected siblings not to overlap")
	}
	if !web.Overlaps(apps) || !apps.Overlaps(web) {
		t.Error("Expected ancestor and descendant to overlap")
	}
	if !Root.Contains(db) {
		t.Error("Expected root to contain every path")
	}
	if MustParse("/app").Contains(MustParse("/apps")) {
		t.Error("Expected token-wise comparison, not string prefix")
	}
}

func TestAncestors(t *testing.T) {
	got := MustParse("/a/b").Ancestors()
	want := []string{"/a/b", "/a", ""}
	if len(got) != len(want) {
		t.Fatalf("Expected %d ancestors, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("ancestor %d: expected %q, got %q", i, want[i], got[i].String())
		}
	}
}

func TestCompare(t *testing.T) {
	if Compare(MustParse("/z"), MustParse("/a/b")) >= 0 {
		t.Error("Expected shallower path to sort first")
	}
	if Compare(MustParse("/a/b"), MustParse("/a/c")) >= 0 {
		t.Error("Expected lexicographic order at equal depth")
	}
	if Compare(MustParse("/a"), MustParse("/a")) != 0 {
		t.Error("Expected equal paths to compare equal")
	}
}

func TestRelAndParent(t *testing.T) {
	rel, ok := MustParse("/apps").Rel(MustParse("/apps/web/running"))
	if !ok || len(rel) != 2 || rel[0] != "web" || rel[1] != "running" {
		t.Errorf("Unexpected Rel result: %v %v", rel, ok)
	}
	if _, ok := MustParse("/apps").Rel(MustParse("/other")); ok {
		t.Error("Expected Rel to fail outside the subtree")
	}
	parent, ok := MustParse("/apps/web").Parent()
	if !ok || parent.String() != "/apps" {
		t.Errorf("Expected parent /apps, got %q", parent.String())
	}
	if _, ok := Root.Parent(); ok {
		t.Error("Expected root to have no parent")
	}
}
