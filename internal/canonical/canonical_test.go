package canonical

import "testing"

func TestKey(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"John Doe", "john doe"},
		{"🐌 John   Doe [Officer]", "john doe"},
		{"<:snail:123456789> John Doe", "john doe"},
		{"<a:party:987> Jöhn Døe", "john døe"},
		{":shell: MEGA-Snail_99 :shell:", "mega snail 99"},
		{"  [GM]  Ämélie  ", "amelie"},
		{"王小明", "王小明"},
		{"", ""},
	}
	for _, c := range cases {
		if got := Key(c.name); got != c.want {
			t.Errorf("Key(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestKey_Idempotent(t *testing.T) {
	names := []string{
		"🐌 John   Doe [Officer]",
		"Ämélie",
		"<:x:1> A:b: C [d]",
		"plain name",
	}
	for _, n := range names {
		once := Key(n)
		if twice := Key(once); twice != once {
			t.Errorf("Key not idempotent for %q: %q != %q", n, once, twice)
		}
	}
}

func TestKey_CollapsesVariants(t *testing.T) {
	a := Key("🐌 John   Doe [Officer]")
	b := Key("John Doe")
	if a != b {
		t.Errorf("decorated and plain names diverge: %q vs %q", a, b)
	}
}
