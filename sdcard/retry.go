package sdcard

import (
	"context"
	"time"
)

// retry runs attempt until it reports done, at most attempts times, sleeping
// delay between misses. It returns false when the budget is exhausted.
func retry(ctx context.Context, sleep func(context.Context, time.Duration) error, attempts int, delay time.Duration, attempt func(n int) (bool, error)) (bool, error) {
	for n := 0; n < attempts; n++ {
		done, err := attempt(n)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if n == attempts-1 {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return false, err
		}
	}
	return false, nil
}
