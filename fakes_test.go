package main

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// testConfig is DefaultConfig with every wait shrunk to zero.
func testConfig() *Config {
	c := DefaultConfig()
	c.BaseURL = "https://dash.example.test"
	c.ChallengeAttempts = 3
	c.ChallengeIntervalMs = 0
	c.SecondChallengeAttempts = 2
	c.SecondChallengeIntervalMs = 0
	c.ChallengeSettleMs = 0
	c.LoginTimeoutSeconds = 1
	c.ScreenshotDir = ""
	c.LogFile = ""
	return c
}

func testLog() *AccountLog {
	return NewAccountLog("test", nil, true)
}

// memStore is an in-memory CookieStore that counts lookups.
type memStore struct {
	mu   sync.Mutex
	data map[string]string
	gets map[string]int
	sets []string
	err  error
}

func newMemStore(seed map[string]string) *memStore {
	s := &memStore{data: map[string]string{}, gets: map[string]int{}}
	for k, v := range seed {
		s.data[k] = v
	}
	return s
}

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets[key]++
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data[key] = value
	s.sets = append(s.sets, key)
	return nil
}

func (s *memStore) value(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key]
}

// doerCall is one request seen by fakeDoer.
type doerCall struct {
	Method string
	URL    string
	Path   string
	Body   string
	Header http.Header
}

type fakeReply struct {
	status int
	header map[string][]string
	body   string
}

// fakeDoer answers fhttp requests from a handler and records them.
type fakeDoer struct {
	mu     sync.Mutex
	calls  []doerCall
	handle func(c doerCall) fakeReply
	err    error
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		body = string(raw)
	}
	c := doerCall{
		Method: req.Method,
		URL:    req.URL.String(),
		Path:   req.URL.RequestURI(),
		Body:   body,
		Header: req.Header.Clone(),
	}

	f.mu.Lock()
	f.calls = append(f.calls, c)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r := f.handle(c)
	h := http.Header{}
	for k, vs := range r.header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

func (f *fakeDoer) requests() []doerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]doerCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeTransport routes "METHOD path" to canned responses.
type fakeTransport struct {
	session  *Session
	routes   map[string]*Response
	errs     map[string]error
	requests []Request
}

func newFakeTransport(session string) *fakeTransport {
	return &fakeTransport{session: ParseSession(session), routes: map[string]*Response{}, errs: map[string]error{}}
}

func (f *fakeTransport) on(method, path string, status int, body string) *fakeTransport {
	f.routes[method+" "+path] = &Response{Status: status, FinalURL: "https://dash.example.test" + path, Body: body}
	return f
}

func (f *fakeTransport) onRedirect(method, path, final string, body string) *fakeTransport {
	f.routes[method+" "+path] = &Response{Status: 200, FinalURL: final, Body: body, Redirects: []string{path}}
	return f
}

func (f *fakeTransport) Session() *Session { return f.session }

func (f *fakeTransport) Exchange(_ context.Context, req Request) (*Response, error) {
	f.requests = append(f.requests, req)
	key := req.Method + " " + req.URL
	if err, ok := f.errs[key]; ok {
		return nil, &TransportError{Method: req.Method, URL: req.URL, Err: err}
	}
	if res, ok := f.routes[key]; ok {
		copied := *res
		return &copied, nil
	}
	return &Response{Status: 404, FinalURL: "https://dash.example.test" + req.URL, Body: "<html><title>Not Found</title></html>"}, nil
}

func (f *fakeTransport) posts() []Request {
	var out []Request
	for _, r := range f.requests {
		if r.Method == "POST" {
			out = append(out, r)
		}
	}
	return out
}

func formOf(t testing.TB, body string) url.Values {
	t.Helper()
	v, err := url.ParseQuery(body)
	if err != nil {
		t.Fatalf("bad form body %q: %v", body, err)
	}
	return v
}

// fakeFrame is a challenge frame with a fixed signal and box.
type fakeFrame struct {
	signal  ChallengeSignal
	box     Box
	sigErr  error
	boxErr  error
	signals int
}

func (f *fakeFrame) Signal(context.Context) (ChallengeSignal, error) {
	f.signals++
	return f.signal, f.sigErr
}

func (f *fakeFrame) Box(context.Context) (Box, error) { return f.box, f.boxErr }

type pointerEvent struct {
	Action PointerAction
	X, Y   float64
}

// fakeLoginPage scripts the login surface.
type fakeLoginPage struct {
	frames   []ChallengeFrame
	framesFn func() ([]ChallengeFrame, error)

	// formAfter is the number of ControlVisible calls answered false first.
	formAfter   int
	neverForm   bool
	reachesHome bool
	badCreds    bool
	cookies     map[string]string

	navigated   []string
	visibleHits int
	filled      map[string]string
	clicked     []string
	pointer     []pointerEvent
	screenshots []string
}

func (p *fakeLoginPage) ChallengeFrames(context.Context) ([]ChallengeFrame, error) {
	if p.framesFn != nil {
		return p.framesFn()
	}
	return p.frames, nil
}

func (p *fakeLoginPage) DispatchPointer(_ context.Context, action PointerAction, x, y float64) error {
	p.pointer = append(p.pointer, pointerEvent{Action: action, X: x, Y: y})
	return nil
}

func (p *fakeLoginPage) Navigate(_ context.Context, target string) error {
	p.navigated = append(p.navigated, target)
	return nil
}

func (p *fakeLoginPage) ControlVisible(context.Context, string, string) bool {
	p.visibleHits++
	if p.neverForm {
		return false
	}
	return p.visibleHits > p.formAfter
}

func (p *fakeLoginPage) Fill(_ context.Context, name, value string) error {
	if p.filled == nil {
		p.filled = map[string]string{}
	}
	p.filled[name] = value
	return nil
}

func (p *fakeLoginPage) Click(_ context.Context, _ string, name string) error {
	p.clicked = append(p.clicked, name)
	return nil
}

func (p *fakeLoginPage) WaitForPath(context.Context, string, time.Duration) error {
	if p.reachesHome {
		return nil
	}
	return errors.New("timeout waiting for navigation")
}

func (p *fakeLoginPage) TextVisible(context.Context, string) bool { return p.badCreds }

func (p *fakeLoginPage) Cookies(context.Context) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range p.cookies {
		out[k] = v
	}
	return out, nil
}

func (p *fakeLoginPage) Screenshot(path string) error {
	p.screenshots = append(p.screenshots, path)
	return nil
}
