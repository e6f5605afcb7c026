package paging

import (
	"errors"
	"testing"
)

func TestMaxPage(t *testing.T) {
	cases := []struct {
		n, size, want int
	}{
		{0, 5, 0},
		{1, 5, 0},
		{5, 5, 0},
		{6, 5, 1},
		{7, 5, 1},
		{10, 5, 1},
		{11, 5, 2},
		{3, 2, 1},
		{4, 2, 1},
	}
	for _, tc := range cases {
		if got := MaxPage(tc.n, tc.size); got != tc.want {
			t.Fatalf("MaxPage(%d, %d) = %d, want %d", tc.n, tc.size, got, tc.want)
		}
	}
}

func TestRoundTripForEveryValidPage(t *testing.T) {
	for _, n := range []int{1, 4, 7, 23} {
		for _, size := range []int{2, 5} {
			maxPage := MaxPage(n, size)
			for page := 0; page <= maxPage; page++ {
				for _, tok := range []Token{At(KindSenders, 0, page), At(KindMessages, 17, page)} {
					got, err := Decode(Encode(tok))
					if err != nil {
						t.Fatalf("decode %q: %v", Encode(tok), err)
					}
					if got != tok {
						t.Fatalf("round trip mismatch: got %+v, want %+v", got, tok)
					}
				}
			}
		}
	}
}

func TestBoundaryRoundTrip(t *testing.T) {
	for _, tok := range []Token{Boundary(KindSenders, 0), Boundary(KindMessages, 3)} {
		got, err := Decode(Encode(tok))
		if err != nil {
			t.Fatalf("decode boundary: %v", err)
		}
		if !got.Boundary || got.Kind != tok.Kind || got.Owner != tok.Owner {
			t.Fatalf("unexpected boundary decode: %+v", got)
		}
	}
}

func TestEncodeFormat(t *testing.T) {
	if got := Encode(At(KindSenders, 0, 2)); got != "al_page_2" {
		t.Fatalf("unexpected senders token %q", got)
	}
	if got := Encode(Boundary(KindMessages, 9)); got != "am_page_9_end" {
		t.Fatalf("unexpected messages boundary token %q", got)
	}
	if got := Encode(At(KindMessages, 9, 0)); len(got) > 64 {
		t.Fatalf("token too long for a button payload: %d", len(got))
	}
}

func TestDecodeNonNumericPageIsBoundary(t *testing.T) {
	for _, raw := range []string{"al_page_x", "al_page_-1", "am_page_4_1a", "al_page_"} {
		tok, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if !tok.Boundary {
			t.Fatalf("expected boundary for %q, got %+v", raw, tok)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "hello", "am_page_5", "am_page_x_1", "am_page_0_1", "xx_page_1"} {
		if _, err := Decode(raw); !errors.Is(err, ErrMalformedToken) {
			t.Fatalf("expected ErrMalformedToken for %q, got %v", raw, err)
		}
	}
}

func TestControlsAtEdges(t *testing.T) {
	back, fwd := Controls(KindSenders, 0, 0, 1)
	if !back.Boundary || fwd.Boundary || fwd.Page != 1 {
		t.Fatalf("first page controls wrong: back=%+v fwd=%+v", back, fwd)
	}
	back, fwd = Controls(KindSenders, 0, 1, 1)
	if back.Boundary || back.Page != 0 || !fwd.Boundary {
		t.Fatalf("last page controls wrong: back=%+v fwd=%+v", back, fwd)
	}
	back, fwd = Controls(KindMessages, 4, 0, 0)
	if !back.Boundary || !fwd.Boundary || back.Owner != 4 || fwd.Owner != 4 {
		t.Fatalf("single page controls wrong: back=%+v fwd=%+v", back, fwd)
	}
}

func TestWindowClamps(t *testing.T) {
	start, end := Window(7, 1, 5)
	if start != 5 || end != 7 {
		t.Fatalf("window = [%d,%d), want [5,7)", start, end)
	}
	start, end = Window(7, 3, 5)
	if start != 7 || end != 7 {
		t.Fatalf("window past end = [%d,%d), want empty", start, end)
	}
}
