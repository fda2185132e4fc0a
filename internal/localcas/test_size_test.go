package localcas

import "testing"

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want Size
	}{
		{"infinity", Size{}},
		{"", Size{}},
		{"1024", Size{Bytes: 1024}},
		{"800M", Size{Bytes: 800 << 20}},
		{"10G", Size{Bytes: 10 << 30}},
		{"1.5K", Size{Bytes: 1536}},
		{"50%", Size{Percent: 50}},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseSize(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"lots", "10X", "150%", "-1"} {
		if _, err := ParseSize(bad); err == nil {
			t.Fatalf("ParseSize(%q) should fail", bad)
		}
	}
}

func TestSizeResolve(t *testing.T) {
	if got := (Size{}).Resolve(1000); got != -1 {
		t.Fatalf("unlimited resolved to %d", got)
	}
	if got := (Size{Percent: 25}).Resolve(1000); got != 250 {
		t.Fatalf("percent resolved to %d", got)
	}
	if got := (Size{Percent: 25}).Resolve(0); got != -1 {
		t.Fatalf("percent without volume resolved to %d", got)
	}
}

func TestParseFraction(t *testing.T) {
	for in, want := range map[string]float64{"80%": 0.8, "0.5": 0.5, "90": 0.9, "100%": 1} {
		got, err := ParseFraction(in)
		if err != nil || got != want {
			t.Fatalf("ParseFraction(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFraction("0"); err == nil {
		t.Fatalf("zero fraction should fail")
	}
}
