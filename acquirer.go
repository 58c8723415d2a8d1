package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// turnstileCookie is set by the portal once its challenge has been passed.
const turnstileCookie = "hc_cf_turnstile"

// Account is one portal identity. It carries credentials, a pre-existing
// session string, or both.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Session  string `json:"session"`
}

func (a Account) HasCredentials() bool {
	return a.Username != "" && a.Password != ""
}

type AcquireState int

const (
	StateNotStarted AcquireState = iota
	StateAwaitingChallenge
	StateAwaitingCredentials
	StateSubmitting
	StateAuthenticated
	StateFailed
)

func (s AcquireState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateAwaitingCredentials:
		return "awaiting-credentials"
	case StateSubmitting:
		return "submitting"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TransportFactory binds a candidate session to a transport.
type TransportFactory func(ctx context.Context, s *Session) (Transport, error)

// LoginPageFactory provides the browser page for a fresh login. It is only
// called when no cached or supplied session passes the probe.
type LoginPageFactory func(ctx context.Context) (LoginPage, error)

// SessionAcquirer turns an Account into a usable session, either by
// validating a cached one or by driving the login page.
type SessionAcquirer struct {
	config *Config
	store  CookieStore
	pacer  Pacer
	log    *AccountLog
	index  int

	state   AcquireState
	history []AcquireState
}

func NewSessionAcquirer(config *Config, store CookieStore, pacer Pacer, log *AccountLog, index int) *SessionAcquirer {
	return &SessionAcquirer{config: config, store: store, pacer: pacer, log: log, index: index}
}

func (a *SessionAcquirer) State() AcquireState { return a.state }

func (a *SessionAcquirer) enter(s AcquireState) {
	a.state = s
	a.history = append(a.history, s)
	a.log.Debug("login state -> %s", s)
}

// Acquire returns a transport bound to a session that passed the probe, or
// to a freshly logged-in session. Candidates are tried in order: the cache
// entry, the account's own session string, then a fresh login.
func (a *SessionAcquirer) Acquire(ctx context.Context, account Account, newTransport TransportFactory, loginPage LoginPageFactory) (Transport, error) {
	var candidates []string
	cached, ok, err := a.store.Get(ctx, account.ID)
	if err != nil {
		a.log.Log(T("cache_read_failed", err))
	}
	if ok {
		a.log.Log(T("acquire_using_cache"))
		candidates = append(candidates, cached)
	}
	if account.Session != "" && (!ok || strings.TrimSpace(account.Session) != strings.TrimSpace(cached)) {
		candidates = append(candidates, account.Session)
	}

	var lastErr error
	for i, raw := range candidates {
		if i > 0 {
			a.log.Log(T("acquire_fallback_supplied"))
		}
		t, err := newTransport(ctx, ParseSession(raw))
		if err != nil {
			return nil, err
		}
		if _, err := probeDashboard(ctx, t, a.config, a.pacer); err != nil {
			a.log.Log(T("acquire_probe_failed", err))
			lastErr = err
			continue
		}
		a.log.Log(T("acquire_session_valid"))
		if err := persistSession(ctx, a.store, account.ID, t.Session()); err != nil {
			a.log.Log(T("cache_write_failed", err))
		}
		return t, nil
	}

	if !account.HasCredentials() {
		if lastErr == nil {
			lastErr = &SessionInvalidError{Reason: "no session and no credentials"}
		}
		if !IsSessionInvalid(lastErr) {
			lastErr = &SessionInvalidError{Reason: lastErr.Error()}
		}
		return nil, lastErr
	}

	if len(candidates) > 0 {
		a.log.Log(T("acquire_fallback_login"))
	}
	page, err := loginPage(ctx)
	if err != nil {
		return nil, err
	}
	session, err := a.Login(ctx, page, account)
	if err != nil {
		return nil, err
	}
	return newTransport(ctx, session)
}

// Login drives the login surface until the landing page is reached and
// returns the resulting cookie jar. The jar is written to the cache.
func (a *SessionAcquirer) Login(ctx context.Context, page LoginPage, account Account) (*Session, error) {
	a.enter(StateNotStarted)
	labels := a.config.Labels
	solver := NewChallengeSolver(page, a.pacer, a.config.Pacing.Press, a.log)

	loginURL := strings.TrimRight(a.config.BaseURL, "/") + a.config.LoginPath
	a.log.Log(T("login_navigating", loginURL))
	if err := page.Navigate(ctx, loginURL); err != nil {
		a.enter(StateFailed)
		return nil, err
	}

	a.enter(StateAwaitingChallenge)
	if err := a.awaitCredentialForm(ctx, page, solver); err != nil {
		a.enter(StateFailed)
		a.snapshot(page, "login_failed")
		return nil, err
	}

	a.enter(StateAwaitingCredentials)
	a.log.Log(T("login_filling"))
	if err := page.Fill(ctx, labels.Username, account.Username); err != nil {
		a.enter(StateFailed)
		return nil, err
	}
	if err := page.Fill(ctx, labels.Password, account.Password); err != nil {
		a.enter(StateFailed)
		return nil, err
	}

	a.log.Log(T("login_second_challenge"))
	for j := 0; j < a.config.SecondChallengeAttempts; j++ {
		if solver.Attempt(ctx) {
			if err := sleepContext(ctx, a.config.challengeSettle()); err != nil {
				a.enter(StateFailed)
				return nil, err
			}
		}
		if err := sleepContext(ctx, a.config.secondChallengeInterval()); err != nil {
			a.enter(StateFailed)
			return nil, err
		}
	}

	a.enter(StateSubmitting)
	a.log.Log(T("login_submitting"))
	if err := page.Click(ctx, roleButton, labels.Submit); err != nil {
		a.enter(StateFailed)
		return nil, err
	}

	if err := page.WaitForPath(ctx, a.config.LandingPath, a.config.loginTimeout()); err != nil {
		a.enter(StateFailed)
		if page.TextVisible(ctx, labels.BadCredentials) {
			a.log.Log(T("login_bad_credentials"))
			return nil, &CredentialRejectedError{Username: account.Username}
		}
		a.log.Log(T("login_stuck"))
		a.snapshot(page, "login_failed")
		return nil, &ChallengeTimeoutError{Stage: "submit", Attempts: a.config.SecondChallengeAttempts}
	}

	a.enter(StateAuthenticated)
	a.log.Log(T("login_success"))

	jar, err := page.Cookies(ctx)
	if err != nil {
		return nil, err
	}
	session := NewSession()
	for name, value := range jar {
		session.Cookies[name] = value
	}
	if v, ok := session.Cookies[turnstileCookie]; ok {
		a.log.Log(T("login_turnstile_cookie", maskValue(v, 15)))
	} else {
		a.log.Log(T("login_turnstile_cookie_missing"))
	}

	if err := persistSession(ctx, a.store, account.ID, session); err != nil {
		a.log.Log(T("cache_write_failed", err))
	}
	return session, nil
}

// awaitCredentialForm alternates challenge clicks with checks for the
// username control until it shows or the attempt budget is spent.
func (a *SessionAcquirer) awaitCredentialForm(ctx context.Context, page LoginPage, solver *ChallengeSolver) error {
	a.log.Log(T("login_checking_challenge"))
	for i := 0; i < a.config.ChallengeAttempts; i++ {
		if page.ControlVisible(ctx, roleTextbox, a.config.Labels.Username) {
			a.log.Log(T("login_form_detected"))
			return nil
		}
		solver.Attempt(ctx)
		if err := sleepContext(ctx, a.config.challengeInterval()); err != nil {
			return err
		}
	}
	if page.ControlVisible(ctx, roleTextbox, a.config.Labels.Username) {
		a.log.Log(T("login_form_detected"))
		return nil
	}
	return &ChallengeTimeoutError{Stage: "login form", Attempts: a.config.ChallengeAttempts}
}

func (a *SessionAcquirer) snapshot(page LoginPage, prefix string) {
	path := filepath.Join(a.config.ScreenshotDir, fmt.Sprintf("%s_%d.png", prefix, a.index))
	if err := page.Screenshot(path); err != nil {
		a.log.Debug("screenshot %s failed: %v", path, err)
		return
	}
	a.log.Log(T("screenshot_saved", path))
}

// Dashboard is a dashboard page that passed the probe.
type Dashboard struct {
	Doc   *goquery.Document
	Title string
}

// probeDashboard requests the protected dashboard and rejects redirects to
// the login surface and challenge interstitials.
func probeDashboard(ctx context.Context, t Transport, cfg *Config, pacer Pacer) (*Dashboard, error) {
	if err := pacer.Wait(ctx, cfg.Pacing.Probe); err != nil {
		return nil, err
	}
	res, err := getPage(ctx, t, cfg.DashboardPath)
	if err != nil {
		return nil, err
	}
	if isLoginSurface(res.FinalURL, cfg) {
		return nil, &SessionInvalidError{Reason: "redirected to " + res.FinalURL}
	}

	doc, err := parseDocument(res.Body)
	if err != nil {
		return nil, err
	}
	title := pageTitle(doc)
	if isInterstitial(title) {
		return nil, &SessionInvalidError{Reason: fmt.Sprintf("challenge page %q", title)}
	}
	return &Dashboard{Doc: doc, Title: title}, nil
}

func isLoginSurface(finalURL string, cfg *Config) bool {
	return strings.Contains(finalURL, cfg.LoginPath) ||
		strings.Contains(finalURL, "/login") ||
		strings.Contains(finalURL, "/auth")
}

func maskValue(v string, keep int) string {
	if len(v) <= keep {
		return v
	}
	return v[:keep] + "..."
}
