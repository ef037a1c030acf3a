package bot

import (
	"context"
	"fmt"

	"github.com/garyellow/linebot-imagelab/internal/ctxutil"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/metrics"
	"github.com/garyellow/linebot-imagelab/internal/sentry"
	"github.com/garyellow/linebot-imagelab/internal/session"
)

// Routing steps, recorded in metrics and logs.
const (
	StepGlobal   = "global"
	StepAffinity = "affinity"
	StepProbe    = "probe"
	StepNone     = "none"
)

// Router selects the feature for an event and invokes it.
type Router struct {
	registry *Registry
	store    session.Store
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

// NewRouter creates a router over registry backed by store.
func NewRouter(registry *Registry, store session.Store, log *logger.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = logger.New("info")
	}
	return &Router{
		registry: registry,
		store:    store,
		logger:   log.WithModule("router"),
		metrics:  m,
	}
}

// SelectText picks the feature for a normalized text command. It returns nil
// and StepNone when no feature accepts it.
func (r *Router) SelectText(ctx context.Context, cmd string, sess *session.Session) (Feature, string) {
	// Global commands ignore the session so they never touch another
	// feature's dialogue.
	if IsGlobalCommand(cmd) {
		for _, f := range r.registry.features {
			if f.CanHandle(ctx, cmd, nil) {
				return f, StepGlobal
			}
		}
	}

	if sess != nil && sess.Feature != "" {
		if f := r.registry.Get(sess.Feature); f != nil {
			if f.CanHandle(ctx, cmd, sess) {
				return f, StepAffinity
			}
		} else {
			r.logger.WarnContext(ctx, "Session owned by unknown feature", "feature", sess.Feature, "state", sess.State)
		}
	}

	for _, f := range r.registry.features {
		if f.CanHandle(ctx, cmd, sess) {
			return f, StepProbe
		}
	}
	return nil, StepNone
}

// RouteText dispatches a text event. ev.Command is filled from ev.Text when
// empty and ev.Session is loaded from the store.
func (r *Router) RouteText(ctx context.Context, ev *Event) (*gateway.Echo, error) {
	if ev.Command == "" {
		ev.Command = NormalizeCommand(ev.Text)
	}
	sess, err := r.load(ctx, ev)
	if err != nil {
		return nil, err
	}

	f, step := r.SelectText(ctx, ev.Command, sess)
	if f == nil {
		r.metrics.RecordRouting("text", StepNone, "")
		r.logger.DebugContext(ctx, "No feature matched text", "text_length", len([]rune(ev.Text)))
		return nil, nil
	}
	r.metrics.RecordRouting("text", step, f.Name())
	r.logger.DebugContext(ctx, "Routing text", "feature", f.Name(), "step", step)

	return r.invoke(ctx, f, ev, f.HandleText)
}

// RouteImage dispatches an image event. An image goes to the owner of the
// user's session, even if that feature drops it. Without a session every
// feature is asked in order and the first non-nil echo wins.
func (r *Router) RouteImage(ctx context.Context, ev *Event) (*gateway.Echo, error) {
	sess, err := r.load(ctx, ev)
	if err != nil {
		return nil, err
	}

	if sess != nil && sess.Feature != "" {
		if f := r.registry.Get(sess.Feature); f != nil {
			r.metrics.RecordRouting("image", StepAffinity, f.Name())
			return r.invoke(ctx, f, ev, f.HandleImage)
		}
		r.logger.WarnContext(ctx, "Session owned by unknown feature", "feature", sess.Feature, "state", sess.State)
	}

	for _, f := range r.registry.features {
		echo, err := r.invoke(ctx, f, ev, f.HandleImage)
		if err != nil {
			return nil, err
		}
		if echo != nil {
			r.metrics.RecordRouting("image", StepProbe, f.Name())
			return echo, nil
		}
	}
	r.metrics.RecordRouting("image", StepNone, "")
	r.logger.DebugContext(ctx, "Image dropped: no feature accepted it")
	return nil, nil
}

func (r *Router) load(ctx context.Context, ev *Event) (*session.Session, error) {
	sess, err := r.store.Get(ctx, ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	ev.Session = sess
	return sess, nil
}

// invoke calls handle and turns panics into errors. When the handler fails
// after moving the user into processing, the session is cleared so the user
// can start over.
func (r *Router) invoke(ctx context.Context, f Feature, ev *Event, handle func(context.Context, *Event) (*gateway.Echo, error)) (echo *gateway.Echo, err error) {
	ctx = ctxutil.WithFeature(ctx, f.Name())
	before := ev.Session

	defer func() {
		if rec := recover(); rec != nil {
			echo, err = nil, sentry.PanicError(ctx, rec)
		}
		if err != nil {
			r.releaseAfterFailure(ctx, f, ev.UserID, before)
			err = fmt.Errorf("%s: %w", f.Name(), err)
		}
	}()
	return handle(ctx, ev)
}

func (r *Router) releaseAfterFailure(ctx context.Context, f Feature, userID string, before *session.Session) {
	if before.Is(f.Name(), session.StateProcessing) {
		// An earlier job holds the lock and will release it.
		return
	}
	after, err := r.store.Get(ctx, userID)
	if err != nil {
		r.logger.WithError(err).WarnContext(ctx, "Failed to re-read session after handler error")
		return
	}
	if !after.Is(f.Name(), session.StateProcessing) {
		return
	}
	if err := r.store.Clear(ctx, userID); err != nil {
		r.logger.WithError(err).ErrorContext(ctx, "Failed to release processing session after handler error")
		return
	}
	r.logger.InfoContext(ctx, "Released processing session after handler error", "feature", f.Name())
}
