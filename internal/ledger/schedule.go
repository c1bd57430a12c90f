package ledger

import "time"

// MaxInstallments caps a single credit purchase plan.
const MaxInstallments = 360

// SplitInstallments divides total into n parts of floor(total/n); the remainder goes to the
// last part so the parts always sum to total.
func SplitInstallments(total int64, n int) []int64 {
	if n < 1 {
		return nil
	}
	base := total / int64(n)
	parts := make([]int64, n)
	for i := range parts {
		parts[i] = base
	}
	parts[n-1] += total - base*int64(n)
	return parts
}

// InstallmentDates returns n due dates, one billing period (a calendar month) apart, starting at
// start. Days past the end of a shorter month clamp to its last day, so a plan started on the
// 31st stays anchored to month ends.
func InstallmentDates(start time.Time, n int) []time.Time {
	dates := make([]time.Time, n)
	for k := range dates {
		dates[k] = addMonthsClamped(start, k)
	}
	return dates
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := daysIn(first.Year(), first.Month())
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
