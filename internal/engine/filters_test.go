package engine

import (
	"testing"

	"mailping/internal/mail"
)

func TestAdmit(t *testing.T) {
	t.Parallel()

	msg := func(sender, subject string) mail.Message {
		return mail.Message{ID: "1", Sender: sender, Subject: subject}
	}

	cases := []struct {
		name    string
		filters FilterLists
		m       mail.Message
		want    bool
	}{
		{"empty lists admit everything", FilterLists{}, msg("a@x.com", "hi"), true},
		{
			"sender deny rejects",
			FilterLists{SenderDeny: []string{"spam@x.com"}},
			msg("spam@x.com", "hi"), false,
		},
		{
			"sender deny only matches exactly",
			FilterLists{SenderDeny: []string{"spam@x.com"}},
			msg("ok@x.com", "hi"), true,
		},
		{
			"non-empty sender allow is exclusive",
			FilterLists{SenderAllow: []string{"boss@x.com"}},
			msg("other@x.com", "hi"), false,
		},
		{
			"sender allow admits member",
			FilterLists{SenderAllow: []string{"boss@x.com"}},
			msg("boss@x.com", "hi"), true,
		},
		{
			"deny wins over allow on same axis",
			FilterLists{SenderAllow: []string{"boss@x.com"}, SenderDeny: []string{"boss@x.com"}},
			msg("boss@x.com", "hi"), false,
		},
		{
			"both axes must pass",
			FilterLists{SenderAllow: []string{"boss@x.com"}, SubjectDeny: []string{"noise"}},
			msg("boss@x.com", "noise"), false,
		},
		{
			"subject allow independent of sender lists",
			FilterLists{SubjectAllow: []string{"alert"}},
			msg("anyone@x.com", "alert"), true,
		},
		{
			"subject allow rejects non-member",
			FilterLists{SubjectAllow: []string{"alert"}},
			msg("anyone@x.com", "chatter"), false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.filters.Admit(tc.m); got != tc.want {
				t.Fatalf("Admit(%+v) with %+v = %v, want %v", tc.m, tc.filters, got, tc.want)
			}
		})
	}
}

func TestFilterAddRemove(t *testing.T) {
	t.Parallel()

	var f FilterLists

	added, err := f.add(AxisSender, RuleDeny, "spam@x.com")
	if err != nil || !added {
		t.Fatalf("add: added=%v err=%v", added, err)
	}
	added, err = f.add(AxisSender, RuleDeny, "spam@x.com")
	if err != nil || added {
		t.Fatalf("duplicate add: added=%v err=%v", added, err)
	}
	if len(f.SenderDeny) != 1 {
		t.Fatalf("expected 1 entry, got %v", f.SenderDeny)
	}

	removed, err := f.remove(AxisSender, RuleDeny, "spam@x.com")
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	removed, err = f.remove(AxisSender, RuleDeny, "spam@x.com")
	if err != nil || removed {
		t.Fatalf("remove absent: removed=%v err=%v", removed, err)
	}
}

func TestParseAxisRule(t *testing.T) {
	t.Parallel()

	if _, err := ParseAxis("sender"); err != nil {
		t.Fatalf("sender: %v", err)
	}
	if _, err := ParseAxis("body"); err == nil {
		t.Fatalf("expected error for unknown axis")
	}
	if _, err := ParseRule("deny"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if _, err := ParseRule("block"); err == nil {
		t.Fatalf("expected error for unknown rule")
	}
}
