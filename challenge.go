package main

import (
	"context"
	"fmt"
)

// challengeInstrumentation returns the script installed on every new
// document before navigation. Inside a sub-frame it pins the pointer-event
// screen coordinates to one plausible value for the page and hooks
// attachShadow so that a checkbox rendered into an isolated fragment reports
// its center as a fraction of the frame's viewport under global.
func challengeInstrumentation(global string) string {
	return fmt.Sprintf(`(function() {
    if (window.self === window.top) return;

    try {
        const pick = (min, max) => Math.floor(Math.random() * (max - min + 1)) + min;
        const screenX = pick(800, 1200);
        const screenY = pick(400, 600);
        Object.defineProperty(MouseEvent.prototype, 'screenX', { value: screenX });
        Object.defineProperty(MouseEvent.prototype, 'screenY', { value: screenY });
    } catch (e) { }

    try {
        const original = Element.prototype.attachShadow;
        Element.prototype.attachShadow = function(init) {
            const root = original.call(this, init);
            if (!root) return root;
            const report = () => {
                const box = root.querySelector('input[type="checkbox"]');
                if (!box) return false;
                const r = box.getBoundingClientRect();
                if (r.width <= 0 || r.height <= 0 || window.innerWidth <= 0 || window.innerHeight <= 0) return false;
                Object.defineProperty(window, %[1]q, {
                    value: {
                        xRatio: (r.left + r.width / 2) / window.innerWidth,
                        yRatio: (r.top + r.height / 2) / window.innerHeight
                    },
                    configurable: true,
                    enumerable: false,
                    writable: true
                });
                return true;
            };
            if (!report()) {
                const observer = new MutationObserver(() => {
                    if (report()) observer.disconnect();
                });
                observer.observe(root, { childList: true, subtree: true });
            }
            return root;
        };
    } catch (e) { }
})();`, global)
}

// challengeSignalProbe reads the published fraction from a frame, or null.
func challengeSignalProbe(global string) string {
	return fmt.Sprintf(`() => {
    const d = window[%q];
    if (!d || typeof d.xRatio !== 'number' || typeof d.yRatio !== 'number') return null;
    return { x: d.xRatio, y: d.yRatio };
}`, global)
}

// ChallengeSignal is the one-shot channel a challenge frame publishes on:
// absent until the checkbox is laid out, then published with its center.
type ChallengeSignal struct {
	Published bool
	XRatio    float64
	YRatio    float64
}

func (s ChallengeSignal) valid() bool {
	return s.Published &&
		s.XRatio >= 0 && s.XRatio <= 1 &&
		s.YRatio >= 0 && s.YRatio <= 1
}

// Box is a rectangle in page coordinates.
type Box struct {
	X, Y, Width, Height float64
}

// Point converts a published fraction into absolute page coordinates.
func (b Box) Point(sig ChallengeSignal) (x, y float64) {
	return b.X + b.Width*sig.XRatio, b.Y + b.Height*sig.YRatio
}

type PointerAction int

const (
	PointerPress PointerAction = iota
	PointerRelease
)

func (a PointerAction) String() string {
	if a == PointerPress {
		return "press"
	}
	return "release"
}

// ChallengeFrame is one nested execution frame of the page.
type ChallengeFrame interface {
	Signal(ctx context.Context) (ChallengeSignal, error)
	Box(ctx context.Context) (Box, error)
}

// ChallengeSurface is the part of a live page the solver needs: frame
// enumeration and a raw input channel that bypasses DOM event dispatch.
type ChallengeSurface interface {
	ChallengeFrames(ctx context.Context) ([]ChallengeFrame, error)
	DispatchPointer(ctx context.Context, action PointerAction, x, y float64) error
}

// ChallengeSolver clicks a challenge checkbox via the coordinates the
// instrumented frame reports. It never touches the challenge token itself.
type ChallengeSolver struct {
	surface ChallengeSurface
	pacer   Pacer
	press   DelayRange
	log     *AccountLog
}

func NewChallengeSolver(surface ChallengeSurface, pacer Pacer, press DelayRange, log *AccountLog) *ChallengeSolver {
	return &ChallengeSolver{surface: surface, pacer: pacer, press: press, log: log}
}

// Attempt performs at most one click. It returns true when a published
// fraction was found and a press/release pair was dispatched on it. Frame
// errors only skip that frame.
func (s *ChallengeSolver) Attempt(ctx context.Context) bool {
	frames, err := s.surface.ChallengeFrames(ctx)
	if err != nil {
		s.log.Debug("challenge: frame enumeration failed: %v", err)
		return false
	}

	for i, frame := range frames {
		sig, err := frame.Signal(ctx)
		if err != nil {
			s.log.Debug("challenge: frame %d unreadable: %v", i, err)
			continue
		}
		if !sig.valid() {
			continue
		}

		box, err := frame.Box(ctx)
		if err != nil || box.Width <= 0 || box.Height <= 0 {
			s.log.Debug("challenge: frame %d has no usable box: %v", i, err)
			continue
		}

		x, y := box.Point(sig)
		s.log.Log(T("challenge_found", sig.XRatio, sig.YRatio))

		if err := s.surface.DispatchPointer(ctx, PointerPress, x, y); err != nil {
			s.log.Debug("challenge: press failed: %v", err)
			continue
		}
		if err := s.pacer.Wait(ctx, s.press); err != nil {
			_ = s.surface.DispatchPointer(context.WithoutCancel(ctx), PointerRelease, x, y)
			return false
		}
		if err := s.surface.DispatchPointer(ctx, PointerRelease, x, y); err != nil {
			s.log.Debug("challenge: release failed: %v", err)
			continue
		}

		s.log.Log(T("challenge_clicked", x, y))
		return true
	}

	return false
}
