package watch

import (
	"context"
	"os"
	"time"
)

// poller compares modification time and size at a fixed interval.
type poller struct {
	path     string
	interval time.Duration
}

type stamp struct {
	mod  time.Time
	size int64
	ok   bool
}

func statStamp(path string) stamp {
	fi, err := os.Stat(path)
	if err != nil {
		return stamp{}
	}
	return stamp{mod: fi.ModTime(), size: fi.Size(), ok: true}
}

func (p *poller) watch(ctx context.Context, changes chan<- struct{}) error {
	last := statStamp(p.path)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur := statStamp(p.path)
			// A missing file is mid-replace; wait for it to come back.
			if cur.ok && cur != last {
				signal(changes)
			}
			if cur.ok {
				last = cur
			}
		}
	}
}
