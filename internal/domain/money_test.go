package domain

import (
	"encoding/json"
	"testing"
)

func TestParseMoney(t *testing.T) {
	cases := []struct {
		in   string
		want Money
	}{
		{"2", 200},
		{"2.5", 250},
		{"2.00", 200},
		{" 10.25 ", 1025},
		{"0", 0},
	}
	for _, tc := range cases {
		got, err := ParseMoney(tc.in)
		if err != nil {
			t.Fatalf("ParseMoney(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMoney(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "abc", "NaN", "Inf"} {
		if _, err := ParseMoney(bad); err == nil {
			t.Fatalf("ParseMoney(%q) should fail", bad)
		}
	}
}

func TestMoneyString(t *testing.T) {
	if got := Money(5).String(); got != "0.05" {
		t.Fatalf("got %s", got)
	}
	if got := Money(-150).String(); got != "-1.50" {
		t.Fatalf("got %s", got)
	}
	if got := Money(2000).String(); got != "20.00" {
		t.Fatalf("got %s", got)
	}
}

func TestMoneyShareTruncates(t *testing.T) {
	if got := Money(2000).Share(500); got != 100 {
		t.Fatalf("5%% of 20.00 = %s", got)
	}
	if got := Money(33).Share(500); got != 1 {
		t.Fatalf("5%% of 0.33 = %s", got)
	}
	total := Money(33)
	if total.Share(500)+(total-total.Share(500)) != total {
		t.Fatalf("split must conserve the total")
	}
}

func TestMoneyCheckedMul(t *testing.T) {
	cases := []struct {
		price Money
		qty   int
		want  Money
		ok    bool
	}{
		{200, 10, 2000, true},
		{MaxPrice, 1, MaxPrice, true},
		{1, int(MaxTotal), MaxTotal, true},
		{1, int(MaxTotal) + 1, 0, false},
		{200, 92233720368547758, 0, false},
		{127, 144115188075855872, 0, false},
		{0, 5, 0, false},
		{200, 0, 0, false},
		{-200, 5, 0, false},
	}
	for _, tc := range cases {
		got, ok := tc.price.CheckedMul(tc.qty)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s × %d = %s %v, want %s %v", tc.price, tc.qty, got, ok, tc.want, tc.ok)
		}
	}
}

func TestMoneyJSON(t *testing.T) {
	var v struct {
		A Money  `json:"a"`
		B Money  `json:"b"`
		C *Money `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":2,"b":"2.50","c":null}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A != 200 || v.B != 250 || v.C != nil {
		t.Fatalf("unexpected values: %+v", v)
	}
	out, err := json.Marshal(Money(1999))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"19.99"` {
		t.Fatalf("marshal = %s", out)
	}
	if err := json.Unmarshal([]byte(`{"a":"lots"}`), &v); err == nil {
		t.Fatalf("expected error for non-numeric amount")
	}
}
