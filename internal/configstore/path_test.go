package configstore

import (
	"testing"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

func TestParsePath(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		wantStr string
	}{
		{"", false, ""},
		{"camera", false, "camera"},
		{"camera.gain", false, "camera.gain"},
		{"a.b.c", false, "a.b.c"},
		{".a", true, ""},
		{"a.", true, ""},
		{"a..b", true, ""},
	}

	for _, c := range cases {
		p, err := ParsePath(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParsePath(%q): expected error, got none", c.in)
			} else if !lerrors.Is(err, lerrors.InvalidArgument) {
				t.Errorf("ParsePath(%q): expected InvalidArgument, got %v", c.in, lerrors.KindOf(err))
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePath(%q): unexpected error %v", c.in, err)
			continue
		}
		if got := p.String(); got != c.wantStr {
			t.Errorf("ParsePath(%q).String() = %q, want %q", c.in, got, c.wantStr)
		}
	}
}

func TestPathChildParentLeaf(t *testing.T) {
	root := Root()
	if !root.IsRoot() {
		t.Fatal("Root() should be root")
	}
	if _, ok := root.Leaf(); ok {
		t.Error("root should have no leaf")
	}
	if _, ok := root.Parent(); ok {
		t.Error("root should have no parent")
	}

	child := root.Child("camera").Child("gain")
	if child.String() != "camera.gain" {
		t.Errorf("got %q, want camera.gain", child.String())
	}
	leaf, ok := child.Leaf()
	if !ok || leaf != "gain" {
		t.Errorf("Leaf() = %q, %v", leaf, ok)
	}
	parent, ok := child.Parent()
	if !ok || parent.String() != "camera" {
		t.Errorf("Parent() = %q, %v", parent.String(), ok)
	}
}

func TestPathHasPrefix(t *testing.T) {
	camera := MustParsePath("camera")
	gain := MustParsePath("camera.gain")
	other := MustParsePath("mount.slew")

	if !camera.HasPrefix(gain) {
		t.Error("camera should be a prefix of camera.gain")
	}
	if camera.HasPrefix(other) {
		t.Error("camera should not be a prefix of mount.slew")
	}
	if !Root().HasPrefix(gain) {
		t.Error("root is a prefix of every path")
	}
	if gain.HasPrefix(camera) {
		t.Error("camera.gain is not a prefix of camera")
	}
}

func TestPathEqual(t *testing.T) {
	a := MustParsePath("a.b.c")
	b := MustParsePath("a.b.c")
	c := MustParsePath("a.b.d")

	if !a.Equal(b) {
		t.Error("expected equal paths to compare equal")
	}
	if a.Equal(c) {
		t.Error("expected differing paths to compare unequal")
	}
}
