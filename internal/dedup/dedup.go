// Package dedup keeps the same logical notification from being shown
// twice, once locally and once via relay, without dropping genuinely
// distinct notifications.
//
// The decision runs in three steps: an exact (title, text) cache over
// a short window, a lookup in the local notification log with a small
// time tolerance, and otherwise display with a monitoring entry that
// lets a late-arriving local duplicate withdraw the shown
// notification.
package dedup

import (
	"context"
	"strings"
	"sync"
	"time"

	"islandd/internal/config"
	"islandd/internal/logging"
	"islandd/internal/store"
)

// Verdict is the outcome of a dedup check.
type Verdict int

const (
	// Suppress drops the candidate entirely.
	Suppress Verdict = iota

	// ShowImmediately displays without monitoring. Used for candidates
	// with no matchable content.
	ShowImmediately

	// ShowWithMonitoring displays and watches for a late local
	// duplicate that would withdraw it.
	ShowWithMonitoring
)

func (v Verdict) String() string {
	switch v {
	case Suppress:
		return "suppress"
	case ShowImmediately:
		return "show"
	case ShowWithMonitoring:
		return "show_with_monitoring"
	default:
		return "unknown"
	}
}

// LocalDevice is the device tag of locally observed notifications in
// the log.
const LocalDevice = "local"

// Candidate is an incoming notification about to be displayed.
type Candidate struct {
	Key         string
	PackageName string
	AppName     string
	Title       string
	Text        string
	Time        int64 // unix milliseconds
	Device      string

	// NeedsDelay marks the candidate for the lock-screen display
	// delay.
	NeedsDelay bool
}

// pendingWithdrawal tracks a displayed notification still eligible for
// cancellation.
type pendingWithdrawal struct {
	notificationID string
	title          string
	text           string
	packageName    string
	sentAt         time.Time
}

type exactKey struct {
	title string
	text  string
}

// Engine is the dedup decision core plus the withdrawal monitor.
type Engine struct {
	cfg    config.DedupConfig
	db     *store.Store
	logger *logging.Logger
	locked func() bool
	now    func() time.Time

	// cancel withdraws a displayed notification by id.
	cancel func(notificationID string)

	mu      sync.Mutex
	exact   map[exactKey]time.Time
	pending map[string]*pendingWithdrawal

	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewEngine creates a dedup engine. cancel withdraws displayed
// notifications and may be nil; locked reports the lock state and may
// be nil.
func NewEngine(cfg config.DedupConfig, db *store.Store, locked func() bool, cancel func(string), logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if locked == nil {
		locked = func() bool { return false }
	}
	if cancel == nil {
		cancel = func(string) {}
	}
	return &Engine{
		cfg:     cfg,
		db:      db,
		logger:  logger.WithComponent("dedup"),
		locked:  locked,
		now:     time.Now,
		cancel:  cancel,
		exact:   make(map[exactKey]time.Time),
		pending: make(map[string]*pendingWithdrawal),
	}
}

// NormalizeTitle strips a leading parenthesized app-name prefix.
// Relayed notifications are re-titled "(AppName) Title" locally, so
// comparison must ignore the prefix.
func NormalizeTitle(title string) string {
	if !strings.HasPrefix(title, "(") {
		return title
	}
	end := strings.Index(title, ") ")
	if end < 0 {
		return title
	}
	return title[end+2:]
}

// CheckAndRegister decides whether a candidate may be displayed and
// registers it in the exact-match cache.
func (e *Engine) CheckAndRegister(c *Candidate) Verdict {
	now := e.now()
	key := exactKey{title: NormalizeTitle(c.Title), text: c.Text}
	window := time.Duration(e.cfg.ExactWindowSecs) * time.Second

	e.mu.Lock()
	if at, ok := e.exact[key]; ok && now.Sub(at) <= window {
		e.mu.Unlock()
		e.logger.Debug("suppressed by exact cache", "package", c.PackageName)
		return Suppress
	}
	e.exact[key] = now
	e.pruneExactLocked(now, window)
	e.mu.Unlock()

	if e.historyHasDuplicate(c) {
		e.logger.Debug("suppressed by local history", "package", c.PackageName)
		return Suppress
	}

	if c.Title == "" && c.Text == "" {
		return ShowImmediately
	}
	return ShowWithMonitoring
}

// pruneExactLocked drops expired exact-cache entries. Caller holds
// e.mu.
func (e *Engine) pruneExactLocked(now time.Time, window time.Duration) {
	for k, at := range e.exact {
		if now.Sub(at) > window {
			delete(e.exact, k)
		}
	}
}

// historyHasDuplicate checks the local notification log for an entry
// matching the candidate within the configured time tolerance.
func (e *Engine) historyHasDuplicate(c *Candidate) bool {
	if e.db == nil {
		return false
	}

	tolerance := int64(e.cfg.HistoryToleranceSecs) * 1000
	rows, err := e.db.RecentNotifications(LocalDevice, c.Time-tolerance)
	if err != nil {
		e.logger.Warn("history lookup failed", "error", err)
		return false
	}

	title := NormalizeTitle(c.Title)
	for _, row := range rows {
		if row.Time > c.Time+tolerance {
			continue
		}
		if NormalizeTitle(row.Title) == title && row.Text == c.Text {
			return true
		}
	}
	return false
}

// duplicateSince reports whether the local log holds a match for the
// candidate recorded at or after sinceMs. Unlike the arrival-time
// check there is no upper bound, so it covers a whole wait window.
func (e *Engine) duplicateSince(c *Candidate, sinceMs int64) bool {
	if e.db == nil {
		return false
	}

	rows, err := e.db.RecentNotifications(LocalDevice, sinceMs)
	if err != nil {
		e.logger.Warn("history lookup failed", "error", err)
		return false
	}

	title := NormalizeTitle(c.Title)
	for _, row := range rows {
		if NormalizeTitle(row.Title) == title && row.Text == c.Text {
			return true
		}
	}
	return false
}

// RecordLocal appends a locally observed notification to the log the
// dedup checks run against.
func (e *Engine) RecordLocal(c *Candidate) error {
	if e.db == nil {
		return nil
	}
	_, err := e.db.InsertNotification(&store.Notification{
		Key:         c.Key,
		PackageName: c.PackageName,
		AppName:     c.AppName,
		Title:       c.Title,
		Text:        c.Text,
		Time:        c.Time,
		Device:      LocalDevice,
	})
	return err
}

// PruneLog drops local log rows older than the retention window. The
// log only serves duplicate checks over short tolerances, so old rows
// are dead weight.
func (e *Engine) PruneLog(retention time.Duration) (int64, error) {
	if e.db == nil {
		return 0, nil
	}
	return e.db.PruneNotifications(e.now().Add(-retention).UnixMilli())
}

// RegisterWithdrawal tracks a displayed notification so the monitor
// can withdraw it if a local duplicate surfaces.
func (e *Engine) RegisterWithdrawal(notificationID string, c *Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[notificationID] = &pendingWithdrawal{
		notificationID: notificationID,
		title:          c.Title,
		text:           c.Text,
		packageName:    c.PackageName,
		sentAt:         e.now(),
	}
}

// Start runs the withdrawal monitor loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.stop = cancel
	e.started = true
	e.mu.Unlock()

	tick := time.Duration(e.cfg.MonitorTickSecs) * time.Second
	if tick <= 0 {
		tick = time.Second
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

// Stop ends the monitor loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.stop
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

// sweep re-checks every live withdrawal entry against local history.
// A match withdraws the displayed notification; entries past the
// monitoring window are dropped without cancellation.
func (e *Engine) sweep() {
	now := e.now()
	window := time.Duration(e.cfg.WithdrawalSecs) * time.Second

	e.mu.Lock()
	live := make([]*pendingWithdrawal, 0, len(e.pending))
	for id, p := range e.pending {
		if now.Sub(p.sentAt) > window {
			delete(e.pending, id)
			continue
		}
		live = append(live, p)
	}
	e.mu.Unlock()

	for _, p := range live {
		c := &Candidate{
			Title:       p.title,
			Text:        p.text,
			PackageName: p.packageName,
			Time:        now.UnixMilli(),
		}
		if !e.historyHasDuplicate(c) {
			continue
		}

		e.mu.Lock()
		_, still := e.pending[p.notificationID]
		delete(e.pending, p.notificationID)
		e.mu.Unlock()

		if still {
			e.logger.Info("withdrawing duplicate notification", "id", p.notificationID, "package", p.packageName)
			e.cancel(p.notificationID)
		}
	}
}

// PendingCount reports live withdrawal entries.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// ScheduleDelayed defers display of a lock-screen candidate by the
// configured delay. A placeholder sits in the exact cache for the
// whole wait; if a genuine local duplicate appears meanwhile, display
// is skipped entirely. The wait is a hard timeout, not renewable.
func (e *Engine) ScheduleDelayed(ctx context.Context, c *Candidate, show func(*Candidate)) {
	if !e.locked() || !c.NeedsDelay {
		show(c)
		return
	}

	// Placeholder registration so relayed copies arriving during the
	// wait hit the exact cache.
	key := exactKey{title: NormalizeTitle(c.Title), text: c.Text}
	e.mu.Lock()
	e.exact[key] = e.now()
	e.mu.Unlock()

	delay := time.Duration(e.cfg.LockDelaySecs) * time.Second
	since := c.Time - int64(e.cfg.HistoryToleranceSecs)*1000
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// The expiry check must see duplicates from anywhere in the
		// wait, not just within the arrival-time tolerance.
		if e.duplicateSince(c, since) {
			e.logger.Debug("delayed display skipped, duplicate arrived", "package", c.PackageName)
			return
		}
		show(c)
	}()
}
