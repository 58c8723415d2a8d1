package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// LoginPage is what the session acquirer drives: navigation, controls
// located by their accessible name, cookie extraction and diagnostics.
type LoginPage interface {
	ChallengeSurface
	Navigate(ctx context.Context, target string) error
	ControlVisible(ctx context.Context, role, name string) bool
	Fill(ctx context.Context, name, value string) error
	Click(ctx context.Context, role, name string) error
	WaitForPath(ctx context.Context, suffix string, timeout time.Duration) error
	TextVisible(ctx context.Context, text string) bool
	Cookies(ctx context.Context) (map[string]string, error)
	Screenshot(path string) error
}

// PageFetcher issues fetch() calls from inside the authenticated page.
type PageFetcher interface {
	Fetch(ctx context.Context, req fetchRequest) (*fetchResult, error)
	Cookies(ctx context.Context) (map[string]string, error)
}

// BrowserSession is one isolated browser process with a single page.
type BrowserSession interface {
	LoginPage
	PageFetcher
	ClearCookies(ctx context.Context) error
	SetCookies(ctx context.Context, s *Session) error
	Close() error
}

// BrowserLauncher opens an isolated browser per account.
type BrowserLauncher interface {
	Open(ctx context.Context, index int) (BrowserSession, error)
}

const (
	roleTextbox = "textbox"
	roleButton  = "button"
)

// findControlJS locates a control by role and accessible name (label,
// aria-label, placeholder or text), returning the element or null.
const findControlJS = `(role, name) => {
    const norm = s => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
    const want = norm(name);
    const selector = role === 'button'
        ? 'button, input[type="submit"], [role="button"]'
        : 'input:not([type="hidden"]):not([type="checkbox"]):not([type="submit"]):not([type="radio"]), textarea, [role="textbox"]';
    for (const el of document.querySelectorAll(selector)) {
        const names = [el.getAttribute('aria-label'), el.getAttribute('placeholder'), el.getAttribute('title')];
        if (role === 'button') names.push(el.textContent, el.value);
        if (el.labels) for (const l of el.labels) names.push(l.textContent);
        const ref = el.getAttribute('aria-labelledby');
        if (ref) for (const id of ref.split(/\s+/)) {
            const l = document.getElementById(id);
            if (l) names.push(l.textContent);
        }
        if (names.some(n => norm(n) === want)) return el;
    }
    return null;
}`

const controlVisibleJS = `(role, name) => {
    const find = ` + findControlJS + `;
    const el = find(role, name);
    if (!el) return false;
    const r = el.getBoundingClientRect();
    const style = window.getComputedStyle(el);
    return r.width > 0 && r.height > 0 && style.visibility !== 'hidden' && style.display !== 'none';
}`

const textVisibleJS = `(text) => !!document.body && document.body.innerText.includes(text)`

const pageFetchJS = `async (url, method, body, headers) => {
    const options = { method, headers, redirect: 'follow', credentials: 'include' };
    if (body !== null) options.body = body;
    const res = await fetch(url, options);
    const text = await res.text();
    return { status: res.status, url: res.url, body: text, redirected: res.redirected };
}`

type fetchRequest struct {
	Method  string
	URL     string
	Body    string
	Headers map[string]string
}

type fetchResult struct {
	Status     int
	URL        string
	Body       string
	Redirected bool
}

type rodLauncher struct {
	config *Config
	log    Logger
}

func NewBrowserLauncher(config *Config, log Logger) BrowserLauncher {
	return &rodLauncher{config: config, log: log}
}

func (l *rodLauncher) Open(ctx context.Context, index int) (BrowserSession, error) {
	userDataDir, err := os.MkdirTemp("", fmt.Sprintf("hcrenew_chrome_%d_", index))
	if err != nil {
		return nil, fmt.Errorf("create browser profile: %w", err)
	}

	// Disable leakless mode on Windows to prevent deadlock
	// See: https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	lc := launcher.New().
		Context(ctx).
		Leakless(useLeakless).
		Headless(l.config.Headless).
		UserDataDir(userDataDir).
		NoSandbox(true).
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("window-size", fmt.Sprintf("%d,%d", l.config.WindowWidth, l.config.WindowHeight))

	if l.config.ChromePath != "" {
		lc = lc.Bin(l.config.ChromePath)
	} else if chromePath, ok := launcher.LookPath(); ok {
		lc = lc.Bin(chromePath)
	}

	controlURL, err := lc.Launch()
	if err != nil {
		lc.Cleanup()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		lc.Kill()
		lc.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	s := &rodSession{config: l.config, launcher: lc, browser: browser}

	s.page, err = stealth.Page(browser)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}

	if _, err := s.page.EvalOnNewDocument(challengeInstrumentation(l.config.ChallengeGlobal)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to install challenge instrumentation: %w", err)
	}

	if l.config.UserAgent != "" {
		if err := s.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: l.config.UserAgent}); err != nil {
			l.log.Log(fmt.Sprintf("Warning: failed to set User-Agent: %v", err))
		}
	}

	return s, nil
}

type rodSession struct {
	config   *Config
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

var _ BrowserSession = (*rodSession)(nil)

func (s *rodSession) Close() error {
	if s.page != nil {
		_ = s.page.Close()
	}
	var err error
	if s.browser != nil {
		err = s.browser.Close()
	}
	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher.Cleanup()
	}
	return err
}

func (s *rodSession) Navigate(ctx context.Context, target string) error {
	p := s.page.Context(ctx)
	if err := p.Navigate(target); err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("page failed to load: %w", err)
	}
	return nil
}

func (s *rodSession) ControlVisible(ctx context.Context, role, name string) bool {
	res, err := s.page.Context(ctx).Eval(controlVisibleJS, role, name)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

func (s *rodSession) control(ctx context.Context, role, name string) (*rod.Element, error) {
	el, err := s.page.Context(ctx).Timeout(s.config.elementTimeout()).ElementByJS(rod.Eval(findControlJS, role, name))
	if err != nil {
		return nil, fmt.Errorf("%s %q not found: %w", role, name, err)
	}
	return el.CancelTimeout(), nil
}

func (s *rodSession) Fill(ctx context.Context, name, value string) error {
	el, err := s.control(ctx, roleTextbox, name)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("focus %q: %w", name, err)
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("clear %q: %w", name, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("fill %q: %w", name, err)
	}
	return nil
}

func (s *rodSession) Click(ctx context.Context, role, name string) error {
	el, err := s.control(ctx, role, name)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %q: %w", name, err)
	}
	return nil
}

func (s *rodSession) WaitForPath(ctx context.Context, suffix string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		if info, err := s.page.Context(ctx).Info(); err == nil {
			if u, err := url.Parse(info.URL); err == nil && strings.HasSuffix(u.Path, suffix) {
				return nil
			}
		}
		if err := sleepContext(ctx, 500*time.Millisecond); err != nil {
			return fmt.Errorf("waiting for %s: %w", suffix, err)
		}
	}
}

func (s *rodSession) TextVisible(ctx context.Context, text string) bool {
	res, err := s.page.Context(ctx).Eval(textVisibleJS, text)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

// Cookies returns every cookie of the portal's registrable domain.
func (s *rodSession) Cookies(ctx context.Context) (map[string]string, error) {
	cookies, err := s.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("failed to get cookies: %w", err)
	}

	domain := cookieDomain(s.config.BaseURL)
	out := make(map[string]string)
	for _, c := range cookies {
		if domain == "" || strings.Contains(c.Domain, domain) {
			out[c.Name] = c.Value
		}
	}
	return out, nil
}

func (s *rodSession) ClearCookies(ctx context.Context) error {
	return proto.NetworkClearBrowserCookies{}.Call(s.page.Context(ctx))
}

func (s *rodSession) SetCookies(ctx context.Context, session *Session) error {
	params := make([]*proto.NetworkCookieParam, 0, len(session.Cookies))
	for name, value := range session.Cookies {
		params = append(params, &proto.NetworkCookieParam{Name: name, Value: value, URL: s.config.BaseURL})
	}
	if len(params) == 0 {
		return nil
	}
	return s.page.Context(ctx).SetCookies(params)
}

func (s *rodSession) Screenshot(path string) error {
	data, err := s.page.Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (s *rodSession) Fetch(ctx context.Context, req fetchRequest) (*fetchResult, error) {
	var body any
	if req.Body != "" {
		body = req.Body
	}
	headers := req.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	res, err := s.page.Context(ctx).Eval(pageFetchJS, req.URL, req.Method, body, headers)
	if err != nil {
		return nil, fmt.Errorf("browser fetch: %w", err)
	}

	return &fetchResult{
		Status:     res.Value.Get("status").Int(),
		URL:        res.Value.Get("url").Str(),
		Body:       res.Value.Get("body").Str(),
		Redirected: res.Value.Get("redirected").Bool(),
	}, nil
}

// ChallengeFrames returns every iframe of the page, including those
// attached inside shadow roots.
func (s *rodSession) ChallengeFrames(ctx context.Context) ([]ChallengeFrame, error) {
	depth := -1
	doc, err := proto.DOMGetDocument{Depth: &depth, Pierce: true}.Call(s.page.Context(ctx))
	if err != nil {
		return nil, err
	}

	var frames []ChallengeFrame
	var walk func(n *proto.DOMNode)
	walk = func(n *proto.DOMNode) {
		if n == nil {
			return
		}
		if strings.EqualFold(n.NodeName, "IFRAME") {
			if el, err := s.page.Context(ctx).ElementFromNode(n); err == nil {
				frames = append(frames, &rodFrame{element: el, global: s.config.ChallengeGlobal})
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
		for _, c := range n.ShadowRoots {
			walk(c)
		}
		walk(n.ContentDocument)
	}
	walk(doc.Root)

	return frames, nil
}

func (s *rodSession) DispatchPointer(ctx context.Context, action PointerAction, x, y float64) error {
	kind := proto.InputDispatchMouseEventTypeMousePressed
	if action == PointerRelease {
		kind = proto.InputDispatchMouseEventTypeMouseReleased
	}
	return proto.InputDispatchMouseEvent{
		Type:       kind,
		X:          x,
		Y:          y,
		Button:     proto.InputMouseButtonLeft,
		ClickCount: 1,
	}.Call(s.page.Context(ctx))
}

type rodFrame struct {
	element *rod.Element
	global  string
}

func (f *rodFrame) Signal(ctx context.Context) (ChallengeSignal, error) {
	frame, err := f.element.Context(ctx).Frame()
	if err != nil {
		return ChallengeSignal{}, err
	}
	res, err := frame.Eval(challengeSignalProbe(f.global))
	if err != nil {
		return ChallengeSignal{}, err
	}
	if res.Value.Nil() {
		return ChallengeSignal{}, nil
	}
	return ChallengeSignal{
		Published: true,
		XRatio:    res.Value.Get("x").Num(),
		YRatio:    res.Value.Get("y").Num(),
	}, nil
}

func (f *rodFrame) Box(ctx context.Context) (Box, error) {
	shape, err := f.element.Context(ctx).Shape()
	if err != nil {
		return Box{}, err
	}
	rect := shape.Box()
	if rect == nil {
		return Box{}, fmt.Errorf("frame has no layout")
	}
	return Box{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height}, nil
}

// cookieDomain returns the last two labels of the portal host, so cookies
// set by sibling subdomains are kept.
func cookieDomain(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	labels := strings.Split(u.Hostname(), ".")
	if len(labels) < 2 {
		return u.Hostname()
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
