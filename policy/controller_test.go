package policy

import "testing"

type fakeRegistry struct {
	funcEnabled map[int]bool
	tplEnabled  map[[2]int]bool
}

func (f *fakeRegistry) IsEnabled(funcID, tplID int, hasTplID bool) bool {
	if !f.funcEnabled[funcID] {
		return false
	}
	if hasTplID {
		return f.tplEnabled[[2]int{funcID, tplID}]
	}
	return true
}

func TestShouldMuteFunc(t *testing.T) {
	reg := &fakeRegistry{funcEnabled: map[int]bool{1: false, 2: true}}
	c := New(reg)

	if !c.ShouldMuteFunc(1) {
		t.Fatal("expected func 1 to be muted")
	}
	if c.ShouldMuteFunc(2) {
		t.Fatal("expected func 2 to be allowed")
	}
}

func TestShouldMuteTemplateFunctionLevelWins(t *testing.T) {
	reg := &fakeRegistry{
		funcEnabled: map[int]bool{1: false},
		tplEnabled:  map[[2]int]bool{{1, 10}: true},
	}
	c := New(reg)

	if !c.ShouldMuteTemplate(1, 10) {
		t.Fatal("function-level mute must win even if the template itself is enabled")
	}
}

func TestShouldMuteTemplateLevel(t *testing.T) {
	reg := &fakeRegistry{
		funcEnabled: map[int]bool{1: true},
		tplEnabled:  map[[2]int]bool{{1, 10}: false, {1, 11}: true},
	}
	c := New(reg)

	if !c.ShouldMuteTemplate(1, 10) {
		t.Fatal("expected template 10 to be muted")
	}
	if c.ShouldMuteTemplate(1, 11) {
		t.Fatal("expected template 11 to be allowed")
	}
}
