// Package browser drives the Showdown client page over the DevTools protocol. A Session
// is the page-side collaborator of the pipeline: it streams console and battle-log text,
// types the replay command into a battle room, and reads the trainer names.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"replaysaver/internal/archive"
	"replaysaver/internal/battle"
	"replaysaver/internal/logging"
	"replaysaver/internal/pipeline"
)

// Config holds browser configuration.
type Config struct {
	DebuggerURL       string
	Launch            []string
	Headless          bool
	UserDataDir       string
	URL               string
	PollInterval      time.Duration
	NavigationTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:               "https://play.pokemonshowdown.com",
		PollInterval:      500 * time.Millisecond,
		NavigationTimeout: 30 * time.Second,
	}
}

// Session owns one Showdown page.
type Session struct {
	cfg Config
	id  string

	mu       sync.RWMutex
	browser  *rod.Browser
	page     *rod.Page
	launched *launcher.Launcher
	owned    bool

	room atomic.Value // battle.MatchID
}

// NewSession returns an unstarted Session.
func NewSession(cfg Config) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.URL == "" {
		cfg.URL = DefaultConfig().URL
	}
	s := &Session{cfg: cfg, id: uuid.NewString()}
	s.room.Store(battle.MatchID(""))
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Start connects to an existing Chrome or launches a new one, then finds or opens the
// Showdown page.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		if _, err := s.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("Stale browser connection detected, reconnecting")
		s.closeLocked()
	}

	controlURL := s.cfg.DebuggerURL
	if controlURL == "" {
		url, err := s.launchLocked()
		if err != nil {
			return err
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	s.browser = browser

	page, err := s.findPageLocked()
	if err != nil {
		s.closeLocked()
		return err
	}
	s.page = page
	logging.Browser("Session %s attached to %s", s.id, s.cfg.URL)
	return nil
}

func (s *Session) launchLocked() (string, error) {
	l := launcher.New().Headless(s.cfg.Headless)
	if len(s.cfg.Launch) > 0 {
		l = l.Bin(s.cfg.Launch[0])
		for _, rawFlag := range s.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
	}
	if s.cfg.UserDataDir != "" {
		l = l.UserDataDir(s.cfg.UserDataDir)
	}
	url, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("launch chrome: %w", err)
	}
	s.launched = l
	s.owned = true
	logging.BrowserDebug("Launched chrome at %s", url)
	return url, nil
}

// findPageLocked reuses an open tab on the client host, or opens one.
func (s *Session) findPageLocked() (*rod.Page, error) {
	host := strings.TrimPrefix(strings.TrimPrefix(s.cfg.URL, "https://"), "http://")
	host, _, _ = strings.Cut(host, "/")

	pages, err := s.browser.Pages()
	if err == nil {
		for _, p := range pages {
			info, err := p.Info()
			if err != nil || info == nil {
				continue
			}
			if info.Type == proto.TargetTargetInfoTypePage && strings.Contains(info.URL, host) {
				logging.BrowserDebug("Reusing tab %s (%s)", info.TargetID, info.URL)
				return p, nil
			}
		}
	}

	page, err := s.browser.Page(proto.TargetCreateTarget{URL: s.cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := page.Timeout(s.cfg.NavigationTimeout).WaitLoad(); err != nil {
		logging.BrowserWarn("Page load did not finish: %v", err)
	}
	return page, nil
}

func (s *Session) currentPage() (*rod.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.page == nil {
		return nil, errors.New("browser session not started")
	}
	return s.page, nil
}

func (s *Session) currentRoom() battle.MatchID {
	id, _ := s.room.Load().(battle.MatchID)
	return id
}

// Lines streams console output and battle-log text until ctx is done or the page closes.
func (s *Session) Lines(ctx context.Context) (<-chan pipeline.Line, error) {
	page, err := s.currentPage()
	if err != nil {
		return nil, err
	}
	page = page.Context(ctx)
	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable runtime events: %w", err)
	}

	out := make(chan pipeline.Line, 64)
	emit := func(l pipeline.Line) bool {
		select {
		case out <- l:
			return true
		case <-ctx.Done():
			return false
		}
	}

	waitEvents := page.EachEvent(
		func(ev *proto.RuntimeConsoleAPICalled) {
			msg := stringifyConsoleArgs(ev.Args)
			if msg == "" {
				return
			}
			emit(pipeline.Line{Text: msg, Source: battle.SourceConsole, Room: s.currentRoom()})
		},
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame != nil && ev.Frame.ParentID == "" {
				logging.BrowserDebug("Navigated to %s", ev.Frame.URL)
			}
		},
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		waitEvents()
	}()
	go func() {
		defer wg.Done()
		s.pollLoop(ctx, page, emit)
	}()
	go func() {
		wg.Wait()
		close(out)
		logging.BrowserDebug("Session %s stream closed", s.id)
	}()
	return out, nil
}

func (s *Session) pollLoop(ctx context.Context, page *rod.Page, emit func(pipeline.Line) bool) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		if !s.pollOnce(page, emit) {
			failures++
			if failures == 10 {
				logging.BrowserWarn("Page poll keeps failing; is the tab still open?")
			}
		} else {
			failures = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) pollOnce(page *rod.Page, emit func(pipeline.Line) bool) bool {
	res, err := page.Evaluate(&rod.EvalOptions{
		JS:           pollScript,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return false
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return false
	}
	poll, err := decodePoll(raw)
	if err != nil {
		logging.BrowserDebug("Undecodable poll result: %v", err)
		return false
	}

	ctxRoom, ok := poll.context()
	if ok && ctxRoom != s.currentRoom() {
		logging.BrowserDebug("Active battle room is now %s", ctxRoom)
		s.room.Store(ctxRoom)
	} else if !ok {
		s.room.Store(battle.MatchID(""))
	}
	for _, l := range poll.lines(ctxRoom) {
		if !emit(l) {
			return true
		}
	}
	return true
}

// Submit replaces whatever is in the battle room's chat box with command and presses Enter.
// It returns archive.ErrNoTarget while the chat box is not rendered.
func (s *Session) Submit(ctx context.Context, id battle.MatchID, command string) error {
	page, err := s.currentPage()
	if err != nil {
		return err
	}
	has, el, err := page.Context(ctx).Has(chatSelector(id))
	if err != nil {
		return fmt.Errorf("query chat box: %w", err)
	}
	if !has {
		return archive.ErrNoTarget
	}
	// Input inserts at the caret, so a draft left in the box has to be selected and
	// replaced or it would be sent as part of the command.
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("select chat draft: %w", err)
	}
	if err := el.Input(command); err != nil {
		return fmt.Errorf("type command: %w", err)
	}
	if err := el.Type(input.Enter); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	return nil
}

// Metadata reads the trainer names shown in the battle room.
func (s *Session) Metadata(ctx context.Context, id battle.MatchID) (archive.Metadata, error) {
	page, err := s.currentPage()
	if err != nil {
		return archive.Metadata{}, err
	}
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      metadataScript,
		JSArgs:  []interface{}{string(id)},
		ByValue: true,
	})
	if err != nil || res == nil {
		return archive.Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	var md struct {
		Players []string `json:"players"`
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return archive.Metadata{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &md); err != nil {
		return archive.Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return archive.Metadata{Players: md.Players}, nil
}

// Close detaches from the page. A browser launched by the session is shut down; an
// attached one is left running.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	var err error
	if s.browser != nil && s.owned {
		err = s.browser.Close()
	}
	if s.launched != nil {
		if s.cfg.UserDataDir == "" {
			s.launched.Cleanup() // also removes the temporary profile
		} else {
			s.launched.Kill()
		}
	}
	s.browser = nil
	s.page = nil
	s.launched = nil
	s.owned = false
	return err
}
