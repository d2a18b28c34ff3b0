package nonce

import (
	"context"
	"log"
	"time"
)

// RunSweeper deletes challenges that expired more than retention ago, every
// interval, until ctx is done.
func RunSweeper(ctx context.Context, l Ledger, interval, retention time.Duration, now func() time.Time) {
	if interval <= 0 {
		return
	}
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Sweep(ctx, now().Add(-retention))
			if err != nil {
				log.Printf("nonce: sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("nonce: swept %d expired challenges", n)
			}
		}
	}
}
