package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"departure-board/internal/dispatch"
	"departure-board/internal/model"
	"departure-board/internal/normalize"
	"departure-board/internal/rategate"
	"departure-board/internal/tier"
	"departure-board/internal/transport"
)

type fetchKind int

const (
	fetchPoll fetchKind = iota
	fetchSnapshot
	fetchForced
)

// Start boots every feed: live tiers start connecting and get a snapshot
// fetch so the board is not blank meanwhile; polled feeds poll right away.
func (c *Coordinator) Start(now time.Time) {
	if c.started {
		return
	}
	c.started = true
	for _, name := range c.order {
		c.boot(c.feeds[name], now)
	}
}

func (c *Coordinator) boot(f *feed, now time.Time) {
	if !f.sel.Terminal() {
		c.fetch(f, now, fetchSnapshot)
	}
	c.activate(f, now)
}

// activate starts the selector's current tier.
func (c *Coordinator) activate(f *feed, now time.Time) {
	t := f.sel.Current()
	if t == model.TierPolling {
		f.sel.Connected(t)
		f.nextPoll = now
		c.metrics.TierChanged(f.name, t, f.sel.Phase())
		return
	}
	c.metrics.TierChanged(f.name, t, f.sel.Phase())
	c.open(f, now)
}

func (c *Coordinator) open(f *feed, now time.Time) {
	t := f.sel.Current()
	c.nextConn++
	f.conn = c.nextConn
	s, ok := c.streams[t]
	if !ok {
		c.failed(f, t, f.conn, fmt.Errorf("no %s transport configured", t), now)
		return
	}
	closer, err := s.Open(c.ctx, f.name, &connListener{c: c, feed: f.name, tier: t, conn: f.conn})
	if err != nil {
		c.failed(f, t, f.conn, err, now)
		return
	}
	f.closer = closer
	log.Printf("feed %s: connecting via %s (conn %d)", f.name, t, f.conn)
}

func (c *Coordinator) closeConn(f *feed) {
	if f.closer != nil {
		if err := f.closer.Close(); err != nil {
			log.Printf("feed %s: close: %v", f.name, err)
		}
		f.closer = nil
	}
	f.conn = 0
}

// Handle applies one event. It must only be called from the run loop.
func (c *Coordinator) Handle(ev Event, now time.Time) {
	if ev.Kind == EventCommand {
		if ev.Command != nil {
			c.command(ev.Command, now)
		}
		return
	}
	f, ok := c.feeds[ev.Feed]
	if !ok {
		return
	}
	switch ev.Kind {
	case EventConnected:
		c.connected(f, ev, now)
	case EventMessage:
		u := ev.Update
		u.Feed, u.Tier = f.name, ev.Tier
		u.ArrivedAt, u.IssuedAt = now, now
		c.ingest(f, u, now)
	case EventError, EventClosed:
		err := ev.Err
		if err == nil {
			err = errors.New("connection closed")
		}
		c.failed(f, ev.Tier, ev.Conn, err, now)
	case EventPollResult:
		c.fetched(f, ev, now)
	}
}

func (c *Coordinator) connected(f *feed, ev Event, now time.Time) {
	if ev.Conn != f.conn || !f.sel.Connected(ev.Tier) {
		return
	}
	f.sup.Reset(ev.Tier)
	f.retryAt = time.Time{}
	c.metrics.TierChanged(f.name, ev.Tier, f.sel.Phase())
	log.Printf("feed %s: connected via %s", f.name, ev.Tier)
	if f.replay {
		f.replay = false
		c.fetch(f, now, fetchSnapshot)
	}
}

// failed handles a transport error or close on the active connection.
// A tier that never connected in this session is dropped at once; one that
// worked before is retried with backoff until the supervisor gives up.
func (c *Coordinator) failed(f *feed, t model.Tier, conn uint64, err error, now time.Time) {
	if conn != f.conn {
		return
	}
	c.closeConn(f)
	if !f.sel.Failed(t) {
		return
	}
	f.replay = true
	c.metrics.TierChanged(f.name, t, f.sel.Phase())
	if !f.sel.HasConnected(t) {
		log.Printf("feed %s: %s failed before connecting: %v", f.name, t, err)
		c.demote(f, now)
		return
	}
	delay, decision := f.sup.Schedule(t)
	switch decision {
	case tier.Retry:
		f.retryAt = now.Add(delay)
		c.metrics.RetryScheduled(f.name, t, f.sup.Attempts(t), delay)
		log.Printf("feed %s: %s failed: %v, retry %d in %s", f.name, t, err, f.sup.Attempts(t), delay)
	case tier.Exhausted:
		log.Printf("feed %s: %s failed: %v, retries exhausted", f.name, t, err)
		c.demote(f, now)
	}
}

func (c *Coordinator) demote(f *feed, now time.Time) {
	prev := f.sel.Current()
	c.closeConn(f)
	f.sup.Cancel(prev)
	f.retryAt = time.Time{}
	next, ok := f.sel.Demote()
	if !ok {
		return
	}
	log.Printf("feed %s: falling back from %s to %s", f.name, prev, next)
	c.activate(f, now)
}

// Advance fires every deadline due at now: supervised reconnects, polls
// and rotation ticks.
func (c *Coordinator) Advance(now time.Time) {
	for _, name := range c.order {
		f := c.feeds[name]
		if !f.retryAt.IsZero() && !now.Before(f.retryAt) {
			f.retryAt = time.Time{}
			f.sup.Fired(f.sel.Current())
			f.sel.Reconnecting()
			c.open(f, now)
		}
		if c.pollDue(f, now) {
			c.fetch(f, now, fetchPoll)
		}
	}
	c.dispatcher.Tick(now)
}

func (c *Coordinator) pollDue(f *feed, now time.Time) bool {
	return f.sel.Terminal() && f.sel.Phase() != model.Disconnected &&
		!f.inflight && !f.nextPoll.IsZero() && !now.Before(f.nextPoll)
}

// NextDeadline is the earliest time Advance has work to do.
func (c *Coordinator) NextDeadline() (time.Time, bool) {
	var next time.Time
	consider := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	for _, name := range c.order {
		f := c.feeds[name]
		consider(f.retryAt)
		if f.sel.Terminal() && f.sel.Phase() != model.Disconnected && !f.inflight {
			consider(f.nextPoll)
		}
	}
	if t, ok := c.dispatcher.NextTick(); ok {
		consider(t)
	}
	return next, !next.IsZero()
}

// fetch issues an HTTP GET for f. Every result ranks as polling, whichever
// tier is active, so a push that lands meanwhile outranks it.
func (c *Coordinator) fetch(f *feed, now time.Time, kind fetchKind) {
	if c.fetcher == nil {
		return
	}
	if kind == fetchPoll {
		f.inflight = true
		f.nextPoll = now.Add(f.interval)
	}
	ev := Event{
		Kind:     EventPollResult,
		Feed:     f.name,
		Tier:     model.TierPolling,
		Epoch:    f.sel.Epoch(),
		Snapshot: kind != fetchPoll,
	}
	station, ctx, timeout := c.station, c.ctx, c.cfg.FetchTimeout
	c.spawn(func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		u, err := c.fetcher.Fetch(ctx, ev.Feed, station)
		u.Feed, u.IssuedAt, u.Forced = ev.Feed, now, kind == fetchForced
		ev.Update, ev.Err = u, err
		c.post(ev)
	})
}

func (c *Coordinator) fetched(f *feed, ev Event, now time.Time) {
	if !ev.Snapshot {
		f.inflight = false
		if ev.Epoch != f.sel.Epoch() {
			c.metrics.Discarded(f.name, "epoch")
			log.Printf("feed %s: discarded poll result from epoch %d", f.name, ev.Epoch)
			return
		}
	}
	if ev.Err != nil {
		c.metrics.FetchFailed(f.name)
		log.Printf("feed %s: fetch failed: %v", f.name, ev.Err)
		if !f.quickRetry {
			return
		}
		f.failures++
		if f.failures > c.cfg.MaxFetchFailures {
			next, out := c.rec.Unavailable(f.state, now)
			c.commit(f, next, out.Changed(), out.String(), now)
			f.nextPoll = now.Add(f.interval)
			return
		}
		f.nextPoll = now.Add(c.cfg.QuickRetry * time.Duration(f.failures))
		return
	}
	f.failures = 0
	u := ev.Update
	u.Tier, u.ArrivedAt = ev.Tier, now
	c.ingest(f, u, now)
}

// ingest runs a raw update through the gate, the normalizer and the
// reconciler.
func (c *Coordinator) ingest(f *feed, u model.RawUpdate, now time.Time) {
	if f.gated {
		if u.Forced {
			c.gate.Mark(f.channel, now)
		} else if !c.gate.Admit(f.channel, now) {
			return
		}
	}
	c.merge(f, c.norm.Normalize(u), u.Tier, u.IssuedAt, now)
}

func (c *Coordinator) merge(f *feed, recs []model.Record, source model.Tier, issuedAt, now time.Time) {
	next, out := c.rec.Merge(f.state, recs, source, issuedAt, now)
	c.commit(f, next, out.Changed(), out.String(), now)
}

func (c *Coordinator) commit(f *feed, next model.State, changed bool, outcome string, now time.Time) {
	f.state = next
	c.metrics.Reconciled(f.name, outcome, next.Version)
	if !changed {
		return
	}
	if c.dispatcher.OnReconciled(next, now) {
		c.metrics.Rendered(f.name)
	}
	if f.name == model.FeedStation {
		c.stationChanged(next, now)
	}
}

// stationChanged follows the station feed.
func (c *Coordinator) stationChanged(state model.State, now time.Time) {
	if state.HasData() {
		c.switchStation(state.Records[0].Text, now)
	}
}

// switchStation refreshes schedules for a new station immediately,
// bypassing the schedules gate.
func (c *Coordinator) switchStation(name string, now time.Time) {
	if name == "" || strings.EqualFold(name, c.station) {
		return
	}
	log.Printf("station changed: %q -> %q", c.station, name)
	c.station = name
	if f, ok := c.feeds[model.FeedSchedules]; ok {
		c.fetch(f, now, fetchForced)
	}
}

func (c *Coordinator) command(cmd *Command, now time.Time) {
	switch cmd.Op {
	case OpSetStation:
		c.setStation(cmd, now)
	case opStationDone:
		c.stationDone(cmd, now)
	case OpSetLanguage:
		c.setLanguage(cmd)
	case opLanguageDone:
		c.languageDone(cmd, now)
	case OpReload:
		c.reload(now)
		cmd.respond(Result{})
	case OpStatus:
		cmd.respond(Result{Status: c.status()})
	default:
		cmd.respond(Result{Err: fmt.Errorf("unknown command %d", cmd.Op)})
	}
}

func (c *Coordinator) setStation(cmd *Command, now time.Time) {
	name := strings.TrimSpace(cmd.Value)
	if name == "" {
		cmd.respond(Result{Err: fmt.Errorf("station: %w", ErrEmptyValue)})
		return
	}
	if c.control == nil {
		cmd.respond(Result{Err: ErrNoControl})
		return
	}
	if !c.gate.Admit(rategate.ChannelStation, now) {
		c.notify(dispatch.LevelWarning, "Please wait a few seconds before changing the station again.", now)
		cmd.respond(Result{Err: ErrRateLimited})
		return
	}
	ctx, timeout := c.ctx, c.cfg.FetchTimeout
	c.spawn(func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		msg, err := c.control.SetStation(ctx, name)
		c.post(Event{Kind: EventCommand, Command: &Command{Op: opStationDone, Value: name, Message: msg, Err: err, reply: cmd.reply}})
	})
}

func (c *Coordinator) stationDone(cmd *Command, now time.Time) {
	switch {
	case cmd.Err == nil:
		msg := cmd.Message
		if msg == "" {
			msg = "Station changed to " + cmd.Value
		}
		c.notify(dispatch.LevelInfo, msg, now)
		if f, ok := c.feeds[model.FeedStation]; ok {
			if rec, ok := normalize.StationRecord(cmd.Value); ok {
				c.merge(f, []model.Record{rec}, f.sel.Current(), now, now)
			}
		}
		c.switchStation(cmd.Value, now)
	case errors.Is(cmd.Err, transport.ErrServerRateLimited):
		c.notify(dispatch.LevelWarning, "Too many station changes. Please wait a moment and try again.", now)
	default:
		msg := cmd.Message
		if msg == "" {
			msg = "Could not change station: " + cmd.Err.Error()
		}
		c.notify(dispatch.LevelError, msg, now)
	}
	cmd.respond(Result{Message: cmd.Message, Err: cmd.Err})
}

func (c *Coordinator) setLanguage(cmd *Command) {
	lang := strings.ToLower(strings.TrimSpace(cmd.Value))
	if lang == "" {
		cmd.respond(Result{Err: fmt.Errorf("language: %w", ErrEmptyValue)})
		return
	}
	if c.control == nil {
		cmd.respond(Result{Err: ErrNoControl})
		return
	}
	ctx, timeout := c.ctx, c.cfg.FetchTimeout
	c.spawn(func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := c.control.SetLanguage(ctx, lang)
		c.post(Event{Kind: EventCommand, Command: &Command{Op: opLanguageDone, Value: lang, Err: err, reply: cmd.reply}})
	})
}

func (c *Coordinator) languageDone(cmd *Command, now time.Time) {
	if cmd.Err != nil {
		c.notify(dispatch.LevelError, "Could not change language: "+cmd.Err.Error(), now)
		cmd.respond(Result{Err: cmd.Err})
		return
	}
	c.language = cmd.Value
	c.reload(now)
	cmd.respond(Result{})
}

// reload behaves like a page reload: every feed starts over from its top
// tier with fresh retry budgets. Reconciled state is kept so the board
// never goes blank.
func (c *Coordinator) reload(now time.Time) {
	log.Printf("reloading all feeds")
	for _, name := range c.order {
		f := c.feeds[name]
		c.closeConn(f)
		f.retryAt = time.Time{}
		f.failures = 0
		f.replay = false
		f.sel.Reset()
		f.sup = tier.NewSupervisor(c.cfg.Supervisor)
		c.boot(f, now)
	}
}

func (c *Coordinator) notify(level dispatch.Level, text string, now time.Time) {
	c.metrics.Noticed(string(level))
	c.dispatcher.Notify(dispatch.Notice{Level: level, Text: text, At: now})
}

func (c *Coordinator) status() Status {
	st := Status{Station: c.station, Language: c.language}
	for _, name := range c.order {
		f := c.feeds[name]
		t := f.sel.Current()
		st.Feeds = append(st.Feeds, FeedStatus{
			Feed:      f.name,
			Tier:      t.String(),
			Phase:     f.sel.Phase().String(),
			Version:   f.state.Version,
			Attempts:  f.sup.Attempts(t),
			Failures:  f.failures,
			UpdatedAt: f.state.UpdatedAt,
		})
	}
	return st
}
