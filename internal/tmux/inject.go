package tmux

import (
	"context"
	"fmt"
	"time"
)

// enterDelay is the minimum pause between the literal text send and the
// Enter keystroke, letting the CLI's line editor settle before submit.
const enterDelay = 100 * time.Millisecond

// Injector delivers typed user input into a tmux pane. It never
// transforms or quotes the text; callers choose the target pane.
type Injector struct {
	ctrl  *Controller
	delay time.Duration
}

// NewInjector returns an Injector over the given controller.
func NewInjector(c *Controller) *Injector {
	return &Injector{ctrl: c, delay: enterDelay}
}

// SendInput delivers a multi-line payload atomically: verify the
// session exists, literal-send the text, pause, then send Enter.
func (in *Injector) SendInput(ctx context.Context, text, sessionName string) error {
	if !in.ctrl.SessionExists(ctx, sessionName) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionName)
	}
	if err := in.ctrl.SendKeys(ctx, sessionName, text, false); err != nil {
		return err
	}
	select {
	case <-time.After(in.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return in.ctrl.SendRawKeys(ctx, sessionName, []string{"Enter"})
}
