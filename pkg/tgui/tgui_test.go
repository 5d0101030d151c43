package tgui

import (
	"strings"
	"testing"
)

func TestDataAndSplit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		scope, action, payload string
		want                   string
	}{
		{"ev", "show", "42", "ev:show:42"},
		{"ev", "page", "", "ev:page"},
		{"bc", "now", "", "bc:now"},
	}
	for _, tc := range cases {
		got := Data(tc.scope, tc.action, tc.payload)
		if got != tc.want {
			t.Errorf("Data(%q,%q,%q) = %q, want %q", tc.scope, tc.action, tc.payload, got, tc.want)
		}
		s, a, p := Split(got)
		if s != tc.scope || a != tc.action || p != tc.payload {
			t.Errorf("Split(%q) = %q,%q,%q", got, s, a, p)
		}
	}

	// Payload keeps embedded colons verbatim.
	if _, _, p := Split("ev:show:2026-10-01:18:00"); p != "2026-10-01:18:00" {
		t.Errorf("payload = %q", p)
	}

	if s, a, p := Split("naked"); s != "naked" || a != "" || p != "" {
		t.Errorf("Split(naked) = %q,%q,%q", s, a, p)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello…"},
		{"привет мир", 6, "привет…"},
		{"x", 0, ""},
		{"", 4, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Errorf("TruncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestPaginateSlice(t *testing.T) {
	t.Parallel()

	items := []int{1, 2, 3, 4, 5, 6, 7}

	sub, prev, next := PaginateSlice(items, 0, 3)
	if len(sub) != 3 || sub[0] != 1 || prev || !next {
		t.Errorf("page 0 = %v prev=%v next=%v", sub, prev, next)
	}

	sub, prev, next = PaginateSlice(items, 1, 3)
	if len(sub) != 3 || sub[0] != 4 || !prev || !next {
		t.Errorf("page 1 = %v prev=%v next=%v", sub, prev, next)
	}

	sub, prev, next = PaginateSlice(items, 2, 3)
	if len(sub) != 1 || sub[0] != 7 || !prev || next {
		t.Errorf("page 2 = %v prev=%v next=%v", sub, prev, next)
	}

	// Out-of-range pages clamp to empty rather than panicking.
	sub, _, next = PaginateSlice(items, 9, 3)
	if len(sub) != 0 || next {
		t.Errorf("page 9 = %v next=%v", sub, next)
	}

	sub, prev, next = PaginateSlice([]int{}, 0, 3)
	if len(sub) != 0 || prev || next {
		t.Errorf("empty = %v prev=%v next=%v", sub, prev, next)
	}
}

func TestPageLabel(t *testing.T) {
	t.Parallel()

	if got := PageLabel(0, 6, 0); got != "Page 1/1" {
		t.Errorf("empty = %q", got)
	}
	if got := PageLabel(0, 6, 14); got != "Page 1/3 • 1–6 of 14" {
		t.Errorf("first = %q", got)
	}
	if got := PageLabel(2, 6, 14); got != "Page 3/3 • 13–14 of 14" {
		t.Errorf("last = %q", got)
	}
	// Page past the end clamps to the last page.
	if got := PageLabel(9, 6, 14); got != "Page 3/3 • 13–14 of 14" {
		t.Errorf("clamped = %q", got)
	}
}

func TestHTMLHelpers(t *testing.T) {
	t.Parallel()

	if got := Esc(`<b>&"`).String(); got != "&lt;b&gt;&amp;&#34;" {
		t.Errorf("Esc = %q", got)
	}
	if got := B("x<y").String(); got != "<b>x&lt;y</b>" {
		t.Errorf("B = %q", got)
	}
	if got := Code("a&b").String(); got != "<code>a&amp;b</code>" {
		t.Errorf("Code = %q", got)
	}
	link := Link(`click "here"`, `https://example.com/?a=1&b=2`).String()
	if !strings.HasPrefix(link, `<a href="https://example.com/?a=1&amp;b=2">`) {
		t.Errorf("Link = %q", link)
	}
	if strings.Contains(link, `"here"`) {
		t.Errorf("Link text not escaped: %q", link)
	}
}

func TestBuilderOutput(t *testing.T) {
	t.Parallel()

	m := New().
		Title("📅", "Go meetup").
		Blank().
		KV("Publish", "2026-10-01 18:00").
		Bullets("talks", "pizza").
		Line("See <you> there").
		Build()

	want := []string{
		"📅 <b>Go meetup</b>",
		"",
		"• <b>Publish</b>: 2026-10-01 18:00",
		"• talks",
		"• pizza",
		"See &lt;you&gt; there",
	}
	if got := m.Text; got != strings.Join(want, "\n") {
		t.Errorf("built text:\n%q\nwant:\n%q", got, strings.Join(want, "\n"))
	}
	if m.Opt == nil || m.Opt.ParseMode != "HTML" {
		t.Errorf("opt = %+v", m.Opt)
	}
}

func TestConfirmInline(t *testing.T) {
	t.Parallel()

	kb := ConfirmInline(Btn("Yes", "ev:del:5"), Btn("No", "ev:show:5"))
	rm := kb.Markup()
	if len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard shape = %+v", rm.InlineKeyboard)
	}
	if rm.InlineKeyboard[0][0].Data != "ev:del:5" {
		t.Errorf("yes data = %q", rm.InlineKeyboard[0][0].Data)
	}
}
