package engine

import (
	"errors"
	"fmt"

	"mailping/internal/mail"
)

// Axis selects which message field a filter entry applies to.
type Axis string

const (
	AxisSender  Axis = "sender"
	AxisSubject Axis = "subject"
)

// Rule selects allow vs deny semantics.
type Rule string

const (
	RuleAllow Rule = "allow"
	RuleDeny  Rule = "deny"
)

var errUnknownFilterList = errors.New("unknown filter list")

func ParseAxis(s string) (Axis, error) {
	switch Axis(s) {
	case AxisSender, AxisSubject:
		return Axis(s), nil
	}
	return "", fmt.Errorf("%w: axis %q", errUnknownFilterList, s)
}

func ParseRule(s string) (Rule, error) {
	switch Rule(s) {
	case RuleAllow, RuleDeny:
		return Rule(s), nil
	}
	return "", fmt.Errorf("%w: rule %q", errUnknownFilterList, s)
}

// Admit decides deliver-or-suppress for one message.
//
// Per axis: a non-empty allow-list is exclusive (membership required), and
// deny membership always rejects, even for values that are also allowed.
// Both axes must pass independently.
func (f FilterLists) Admit(m mail.Message) bool {
	return admitAxis(m.Sender, f.SenderAllow, f.SenderDeny) &&
		admitAxis(m.Subject, f.SubjectAllow, f.SubjectDeny)
}

func admitAxis(value string, allow, deny []string) bool {
	if len(allow) > 0 && !containsString(allow, value) {
		return false
	}
	return !containsString(deny, value)
}

func (f *FilterLists) list(axis Axis, rule Rule) *[]string {
	switch {
	case axis == AxisSender && rule == RuleAllow:
		return &f.SenderAllow
	case axis == AxisSender && rule == RuleDeny:
		return &f.SenderDeny
	case axis == AxisSubject && rule == RuleAllow:
		return &f.SubjectAllow
	case axis == AxisSubject && rule == RuleDeny:
		return &f.SubjectDeny
	}
	return nil
}

// add inserts value into the selected list. Duplicates are no-ops; the bool
// reports whether the list actually changed.
func (f *FilterLists) add(axis Axis, rule Rule, value string) (bool, error) {
	l := f.list(axis, rule)
	if l == nil {
		return false, errUnknownFilterList
	}
	if containsString(*l, value) {
		return false, nil
	}
	*l = append(*l, value)
	return true, nil
}

// remove deletes value from the selected list; the bool reports whether the
// value was present.
func (f *FilterLists) remove(axis Axis, rule Rule, value string) (bool, error) {
	l := f.list(axis, rule)
	if l == nil {
		return false, errUnknownFilterList
	}
	for i, v := range *l {
		if v == value {
			*l = append((*l)[:i], (*l)[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
