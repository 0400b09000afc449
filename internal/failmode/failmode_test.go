package failmode

import "testing"

func TestDeclaredModes(t *testing.T) {
	cases := map[Operation]Mode{
		RateLimit:            Open,
		TokenVerify:          Closed,
		TokenRotate:          Closed,
		Authorize:            Closed,
		Operation("unknown"): Closed,
	}
	for op, want := range cases {
		if got := For(op); got != want {
			t.Fatalf("For(%q)=%s, want %s", op, got, want)
		}
	}
	if !AllowOnFailure(RateLimit) || AllowOnFailure(Authorize) {
		t.Fatal("unexpected AllowOnFailure result")
	}
}
