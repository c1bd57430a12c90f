package ledger

import (
	"testing"
	"time"
)

func TestSplitInstallments(t *testing.T) {
	cases := []struct {
		total int64
		n     int
		want  []int64
	}{
		{1000, 3, []int64{333, 333, 334}},
		{900, 3, []int64{300, 300, 300}},
		{2, 3, []int64{0, 0, 2}},
		{7, 1, []int64{7}},
	}
	for _, tc := range cases {
		got := SplitInstallments(tc.total, tc.n)
		if len(got) != len(tc.want) {
			t.Fatalf("SplitInstallments(%d, %d) = %v, want %v", tc.total, tc.n, got, tc.want)
		}
		var sum int64
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("SplitInstallments(%d, %d) = %v, want %v", tc.total, tc.n, got, tc.want)
			}
			sum += got[i]
		}
		if sum != tc.total {
			t.Fatalf("parts of %d sum to %d", tc.total, sum)
		}
	}
	if SplitInstallments(10, 0) != nil {
		t.Fatal("expected nil for zero parts")
	}
}

func TestInstallmentDatesClampToMonthEnd(t *testing.T) {
	start := time.Date(2025, time.January, 31, 9, 0, 0, 0, time.UTC)
	got := InstallmentDates(start, 4)
	want := []time.Time{
		time.Date(2025, time.January, 31, 9, 0, 0, 0, time.UTC),
		time.Date(2025, time.February, 28, 9, 0, 0, 0, time.UTC),
		time.Date(2025, time.March, 31, 9, 0, 0, 0, time.UTC),
		time.Date(2025, time.April, 30, 9, 0, 0, 0, time.UTC),
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("date %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestInstallmentDatesLeapYearAndRollover(t *testing.T) {
	got := InstallmentDates(time.Date(2023, time.December, 29, 0, 0, 0, 0, time.UTC), 3)
	if want := time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC); !got[2].Equal(want) {
		t.Fatalf("got %s, want %s", got[2], want)
	}
	if got[1].Year() != 2024 || got[1].Month() != time.January {
		t.Fatalf("year rollover broken: %s", got[1])
	}
}
