package batch

import (
	"fmt"
	"testing"
)

func TestPartition_Sizes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n, size int
		want    []int
	}{
		{0, 50, nil},
		{1, 50, []int{1}},
		{50, 50, []int{50}},
		{51, 50, []int{50, 1}},
		{120, 50, []int{50, 50, 20}},
		{7, 3, []int{3, 3, 1}},
		{5, 0, []int{5}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(fmt.Sprintf("n=%d/size=%d", tc.n, tc.size), func(t *testing.T) {
			t.Parallel()

			got := Partition(seq(tc.n), tc.size)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d groups, got %d", len(tc.want), len(got))
			}
			for i, g := range got {
				if len(g) != tc.want[i] {
					t.Fatalf("group %d: expected size %d, got %d", i, tc.want[i], len(g))
				}
			}
		})
	}
}

func TestPartition_ConcatenationEqualsInput(t *testing.T) {
	t.Parallel()

	for n := 0; n <= 40; n++ {
		for size := 1; size <= 12; size++ {
			in := seq(n)
			groups := Partition(in, size)

			if want := (n + size - 1) / size; len(groups) != want {
				t.Fatalf("n=%d size=%d: expected %d groups, got %d", n, size, want, len(groups))
			}

			var flat []int
			for _, g := range groups {
				if len(g) > size || len(g) == 0 {
					t.Fatalf("n=%d size=%d: bad group length %d", n, size, len(g))
				}
				flat = append(flat, g...)
			}
			if len(flat) != n {
				t.Fatalf("n=%d size=%d: expected %d items, got %d", n, size, n, len(flat))
			}
			for i := range flat {
				if flat[i] != i {
					t.Fatalf("n=%d size=%d: order broken at %d", n, size, i)
				}
			}
		}
	}
}

func TestPartition_GroupsDoNotAlias(t *testing.T) {
	t.Parallel()

	groups := Partition(seq(6), 3)
	groups[0] = append(groups[0], 99)

	if groups[1][0] != 3 {
		t.Fatalf("appending to a group must not clobber the next one, got %v", groups[1])
	}
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
