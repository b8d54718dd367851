// Package policy implements the agent-side policy controller: the cheap,
// allocation-free gate that sits on every traced call path.
//
// Delegates entirely to the registry, which already owns the enable/mute
// state and block counters, rather than keeping a second copy of the
// rules.
package policy

// enabler is the subset of *registry.Registry the controller depends on.
type enabler interface {
	IsEnabled(funcID int, tplID int, hasTplID bool) bool
}

// Controller decides whether a given function or template may emit a log.
type Controller struct {
	reg enabler
}

// New returns a Controller backed by reg.
func New(reg enabler) *Controller {
	return &Controller{reg: reg}
}

// ShouldMuteFunc reports whether the given function is currently muted.
func (c *Controller) ShouldMuteFunc(funcID int) bool {
	return !c.reg.IsEnabled(funcID, 0, false)
}

// ShouldMuteTemplate reports whether the given (function, template) pair is
// currently muted. Function-level mute takes precedence.
func (c *Controller) ShouldMuteTemplate(funcID, tplID int) bool {
	return !c.reg.IsEnabled(funcID, tplID, true)
}
