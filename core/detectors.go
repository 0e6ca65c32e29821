package core

import (
	"context"
	"time"

	"commentsync/logger"
	"commentsync/models"
)

// MutationSource delivers page mutations to registered callbacks.
type MutationSource interface {
	Observe(fn func(models.Mutation)) (cancel func())
}

// watchCommentList calls fire for every child-list mutation that adds at
// least one node carrying the comment item marker class.
func watchCommentList(src MutationSource, marker string, fire func()) (cancel func()) {
	return src.Observe(func(m models.Mutation) {
		if m.Kind != models.MutationChildList {
			return
		}
		for _, n := range m.Added {
			if n.HasClass(marker) {
				fire()
				return
			}
		}
	})
}

// watchSortLabel calls fire with the new text whenever the sort control
// label changes.
func watchSortLabel(src MutationSource, fire func(label string)) (cancel func()) {
	return src.Observe(func(m models.Mutation) {
		if m.Kind == models.MutationSortLabel {
			fire(m.Label)
		}
	})
}

// URLSource is a page whose address can change.
type URLSource interface {
	MutationSource
	URL() string
}

// navigationWatcher reports URL changes. Navigation mutations wake it
// immediately; the poll interval covers pages whose bridge cannot report
// history changes.
type navigationWatcher struct {
	page     URLSource
	interval time.Duration
	onChange func(url string)
}

func (w *navigationWatcher) Run(ctx context.Context) {
	wake := make(chan struct{}, 1)
	cancel := w.page.Observe(func(m models.Mutation) {
		if m.Kind != models.MutationNavigation {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer cancel()

	interval := w.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	check := func() {
		if u := w.page.URL(); u != last {
			logger.Debug("Navigation: %q -> %q", last, u)
			last = u
			w.onChange(u)
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			check()
		case <-ticker.C:
			check()
		}
	}
}
