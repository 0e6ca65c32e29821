package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"commentsync/logger"
	"commentsync/models"

	"github.com/google/uuid"
)

var (
	ErrContainerTimeout = errors.New("comment container did not appear")
	ErrNoActiveEpoch    = errors.New("no page is being synchronized")
)

// Page is the live page the controller synchronizes.
type Page interface {
	URLSource
	CommentNodes
	CommentCount() int
	HasCommentContainer() bool
	SortLabel() (string, bool)
}

// CommentSource loads one page of comments. A nil page with an error means
// no data is available this cycle.
type CommentSource interface {
	Fetch(ctx context.Context, req FetchRequest) (*models.CommentPage, error)
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Page        Page
	Source      CommentSource
	Matcher     *URLMatcher
	SortTable   map[string]models.SortOption
	ItemMarker  string
	Credentials CredentialLookup // Optional; reported by Status.

	NavPollInterval time.Duration
	NavSettleDelay  time.Duration
	DOMPollInterval time.Duration
	DOMReadyTimeout time.Duration
}

type triggerKind string

const (
	triggerList   triggerKind = "list"
	triggerSort   triggerKind = "sort"
	triggerManual triggerKind = "manual"
	triggerFull   triggerKind = "full"
)

const triggerQueueSize = 256

// epoch is the sync state of one matching navigation. It is discarded, not
// reset, when the page navigates away.
type epoch struct {
	id       string
	pc       models.PageContext
	ctx      context.Context
	cancel   context.CancelFunc
	triggers chan triggerKind
	done     chan struct{}

	mu         sync.Mutex
	phase      models.SyncPhase
	comments   []models.Comment
	sort       models.SortOption
	lastSyncAt time.Time
	lastNote   string
}

func (e *epoch) held() []models.Comment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Comment(nil), e.comments...)
}

func (e *epoch) enqueue(t triggerKind) bool {
	if e.ctx.Err() != nil {
		return false
	}
	select {
	case e.triggers <- t:
		return true
	default:
		logger.Warn("Controller: trigger queue full for epoch %s, dropping %s trigger", e.id, t)
		return false
	}
}

// Controller owns the comment dataset of the current page and keeps the
// page's comment nodes tagged with it.
type Controller struct {
	cfg ControllerConfig

	mu      sync.Mutex
	runCtx  context.Context
	current *epoch
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.SortTable == nil {
		cfg.SortTable = models.DefaultSortLabels()
	}
	if cfg.DOMPollInterval <= 0 {
		cfg.DOMPollInterval = 500 * time.Millisecond
	}
	return &Controller{cfg: cfg}
}

// Run watches the page for navigation until ctx is done. The page's current
// URL is handled as the first navigation.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	w := &navigationWatcher{
		page:     c.cfg.Page,
		interval: c.cfg.NavPollInterval,
		onChange: func(url string) { c.navigate(ctx, url) },
	}
	logger.Info("Controller: watching page navigation")
	w.Run(ctx)

	c.mu.Lock()
	last := c.teardownLocked()
	c.mu.Unlock()
	if last != nil {
		<-last.done
	}
	logger.Info("Controller: stopped")
}

func (c *Controller) navigate(parent context.Context, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startEpochLocked(parent, url)
}

// Reload starts a new epoch for the current URL, as after a full page load
// that kept the address.
func (c *Controller) Reload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx == nil || c.runCtx.Err() != nil {
		return
	}
	c.startEpochLocked(c.runCtx, c.cfg.Page.URL())
}

func (c *Controller) startEpochLocked(parent context.Context, url string) {
	c.teardownLocked()
	pc, ok := c.cfg.Matcher.Match(url)
	if !ok {
		logger.Debug("Controller: %s does not host a comment list", url)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	e := &epoch{
		id:       uuid.NewString(),
		pc:       pc,
		ctx:      ctx,
		cancel:   cancel,
		triggers: make(chan triggerKind, triggerQueueSize),
		done:     make(chan struct{}),
		phase:    models.PhaseInitializing,
		sort:     models.DefaultSort,
	}
	c.current = e
	navigationEpochs.Inc()
	logger.Info("Controller: epoch %s for %s %s (group %q)", e.id, pc.Type, pc.ResourceID, pc.GroupID)
	go c.runEpoch(e)
}

func (c *Controller) teardownLocked() *epoch {
	e := c.current
	if e == nil {
		return nil
	}
	e.cancel()
	logger.Debug("Controller: epoch %s torn down", e.id)
	c.current = nil
	return e
}

func (c *Controller) isCurrent(e *epoch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == e && e.ctx.Err() == nil
}

func (c *Controller) runEpoch(e *epoch) {
	defer close(e.done)

	if d := c.cfg.NavSettleDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-e.ctx.Done():
			return
		}
	}
	if err := c.waitForContainer(e.ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn("Controller: epoch %s: %v", e.id, err)
			e.mu.Lock()
			e.phase = models.PhaseIdle
			e.lastNote = err.Error()
			e.mu.Unlock()
		}
		return
	}

	// Detectors are attached before the first fetch; changes made while it
	// is in flight queue a cycle behind it.
	stopList := watchCommentList(c.cfg.Page, c.cfg.ItemMarker, func() { e.enqueue(triggerList) })
	defer stopList()
	stopSort := watchSortLabel(c.cfg.Page, func(label string) {
		logger.Debug("Controller: sort label changed to %q", label)
		e.enqueue(triggerSort)
	})
	defer stopSort()

	c.initialSync(e)

	for {
		select {
		case <-e.ctx.Done():
			return
		case t := <-e.triggers:
			c.resync(e, t)
		}
	}
}

// waitForContainer polls until the comment list exists, giving up after
// DOMReadyTimeout when one is configured.
func (c *Controller) waitForContainer(ctx context.Context) error {
	if c.cfg.Page.HasCommentContainer() {
		return nil
	}
	if c.cfg.DOMReadyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DOMReadyTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(c.cfg.DOMPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrContainerTimeout, c.cfg.DOMReadyTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
			if c.cfg.Page.HasCommentContainer() {
				return nil
			}
		}
	}
}

func (c *Controller) currentSort() models.SortOption {
	label, ok := c.cfg.Page.SortLabel()
	if !ok {
		return models.DefaultSort
	}
	return models.ParseSortOption(label, c.cfg.SortTable)
}

func (c *Controller) fetch(e *epoch, sort models.SortOption, cursor json.RawMessage) (*models.CommentPage, bool) {
	page, err := c.cfg.Source.Fetch(e.ctx, FetchRequest{
		TargetID: e.pc.ResourceID,
		GroupID:  e.pc.GroupID,
		Sort:     sort,
		Cursor:   cursor,
	})
	if !c.isCurrent(e) {
		logger.Debug("Controller: discarding fetch result of stale epoch %s", e.id)
		return nil, false
	}
	if err != nil {
		logger.Info("Controller: no comment data this cycle: %v", err)
		return nil, true
	}
	return page, true
}

func (c *Controller) initialSync(e *epoch) {
	sort := c.currentSort()
	page, ok := c.fetch(e, sort, nil)
	if !ok {
		return
	}
	e.mu.Lock()
	e.sort = sort
	if page != nil {
		e.comments = models.Dedup(page.Items)
	}
	e.mu.Unlock()
	c.finishCycle(e, "initial", page != nil)
}

// resync runs one sync cycle. N is the number of comment nodes on the page
// and M the number of comments held.
func (c *Controller) resync(e *epoch, t triggerKind) {
	e.mu.Lock()
	e.phase = models.PhaseReconciling
	if t == triggerSort || t == triggerFull {
		e.comments = nil
	}
	e.mu.Unlock()

	sort := c.currentSort()
	held := e.held()
	n, m := c.cfg.Page.CommentCount(), len(held)

	var (
		decision string
		fetched  bool
		next     []models.Comment
	)
	switch {
	case n > m:
		decision = "refresh"
		var cursor json.RawMessage
		if m > 0 {
			decision = "append"
			cursor = models.CursorAfter(held[m-1])
		}
		page, ok := c.fetch(e, sort, cursor)
		if !ok {
			return
		}
		if page != nil {
			fetched = true
			switch {
			case cursor == nil:
				next = models.Dedup(page.Items)
			case len(page.Items) > 0:
				next = models.AppendNew(held, page.Items)
			}
		}
	case n < m:
		decision = "refresh"
		page, ok := c.fetch(e, sort, nil)
		if !ok {
			return
		}
		if page != nil {
			fetched = true
			next = models.Dedup(page.Items)
		}
	default:
		decision = "reconcile"
	}

	e.mu.Lock()
	e.sort = sort
	if next != nil {
		e.comments = next
	}
	e.mu.Unlock()
	logger.Debug("Controller: %s cycle (%s trigger) with N=%d M=%d", decision, t, n, m)
	c.finishCycle(e, decision, fetched || decision == "reconcile")
}

// finishCycle reconciles the page with the held comments and returns the
// epoch to synced, whether or not the cycle's fetch produced data.
func (c *Controller) finishCycle(e *epoch, decision string, gotData bool) {
	res := Reconcile(c.cfg.Page, e.held())

	note := fmt.Sprintf("%s: %d nodes, %d matched, %d written, %d stripped", decision, res.Nodes, res.Matched, res.Written, res.Stripped)
	if !gotData {
		note += " (no data)"
	}
	e.mu.Lock()
	e.phase = models.PhaseSynced
	e.lastSyncAt = time.Now()
	e.lastNote = note
	e.mu.Unlock()
	syncCycles.WithLabelValues(decision).Inc()
}

// Resync asks the current epoch to run a sync cycle. full drops the held
// comments first so the whole list is refetched.
func (c *Controller) Resync(full bool) error {
	c.mu.Lock()
	e := c.current
	c.mu.Unlock()
	if e == nil {
		return ErrNoActiveEpoch
	}
	t := triggerManual
	if full {
		t = triggerFull
	}
	if !e.enqueue(t) {
		return fmt.Errorf("epoch %s did not accept the resync request", e.id)
	}
	return nil
}

// Comments returns the comments held for the current page.
func (c *Controller) Comments() []models.Comment {
	c.mu.Lock()
	e := c.current
	c.mu.Unlock()
	if e == nil {
		return nil
	}
	return e.held()
}

// Status reports the controller state for the status API.
func (c *Controller) Status() models.SyncStatus {
	st := models.SyncStatus{
		URL:        c.cfg.Page.URL(),
		Phase:      models.PhaseIdle,
		CommentIDs: []string{},
		DOMNodes:   c.cfg.Page.CommentCount(),
		Sort:       c.currentSort(),
	}
	if c.cfg.Credentials != nil {
		st.Credentials = c.cfg.Credentials.Credentials().Status()
	}

	c.mu.Lock()
	e := c.current
	c.mu.Unlock()
	if e == nil {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	pc := e.pc
	st.EpochID = e.id
	st.Context = &pc
	st.Phase = e.phase
	st.CommentIDs = models.CommentIDs(e.comments)
	st.Sort = e.sort
	st.LastSyncNote = e.lastNote
	if !e.lastSyncAt.IsZero() {
		at := e.lastSyncAt
		st.LastSyncAt = &at
	}
	return st
}
