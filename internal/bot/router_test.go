package bot

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/session"
	"github.com/garyellow/linebot-imagelab/internal/session/sessiontest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUser = "U0123456789abcdef"

// stubFeature accepts a fixed command list plus its own sessions.
type stubFeature struct {
	name     string
	commands []string

	mu         sync.Mutex
	textCalls  []string
	imageCalls int

	onText  func(ctx context.Context, ev *Event) (*gateway.Echo, error)
	onImage func(ctx context.Context, ev *Event) (*gateway.Echo, error)
}

func (f *stubFeature) Name() string { return f.name }

func (f *stubFeature) CanHandle(_ context.Context, text string, sess *session.Session) bool {
	return slices.Contains(f.commands, text) || sess.OwnedBy(f.name)
}

func (f *stubFeature) HandleText(ctx context.Context, ev *Event) (*gateway.Echo, error) {
	f.mu.Lock()
	f.textCalls = append(f.textCalls, ev.Command)
	f.mu.Unlock()
	if f.onText != nil {
		return f.onText(ctx, ev)
	}
	return nil, nil
}

func (f *stubFeature) HandleImage(ctx context.Context, ev *Event) (*gateway.Echo, error) {
	f.mu.Lock()
	f.imageCalls++
	f.mu.Unlock()
	if f.onImage != nil {
		return f.onImage(ctx, ev)
	}
	return nil, nil
}

func (f *stubFeature) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.textCalls...)
}

func (f *stubFeature) images() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imageCalls
}

type routerFixture struct {
	router   *Router
	store    *sessiontest.Store
	menu     *stubFeature
	member   *stubFeature
	colorize *stubFeature
	edit     *stubFeature
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	fx := &routerFixture{
		store:    sessiontest.New(),
		menu:     &stubFeature{name: "menu", commands: MenuCommands},
		member:   &stubFeature{name: "member", commands: append(append([]string{}, PointsCommands...), "我想查詢點數")},
		colorize: &stubFeature{name: "colorize", commands: []string{CmdColorize, CmdCancel}},
		edit:     &stubFeature{name: "edit", commands: []string{CmdEdit, CmdCancel}},
	}
	reg := NewRegistry().MustRegister(fx.menu, fx.member, fx.colorize, fx.edit)
	fx.router = NewRouter(reg, fx.store, logger.New("error"), nil)
	return fx
}

func (fx *routerFixture) text(t *testing.T, text string) (*gateway.Echo, error) {
	t.Helper()
	return fx.router.RouteText(context.Background(), &Event{UserID: testUser, Target: gateway.UserTarget(testUser), Text: text})
}

func TestRouter_GlobalCommandIgnoresSession(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	sess := session.Session{UserID: testUser, Feature: "colorize", State: session.StateWaitingImage}
	fx.store.Put(sess)

	f, step := fx.router.SelectText(context.Background(), CmdHelp, &sess)
	require.NotNil(t, f)
	assert.Equal(t, "menu", f.Name())
	assert.Equal(t, StepGlobal, step)

	f, step = fx.router.SelectText(context.Background(), CmdHelp, nil)
	require.NotNil(t, f)
	assert.Equal(t, "menu", f.Name())
	assert.Equal(t, StepGlobal, step)
}

func TestRouter_GlobalCommandDoesNotMutateSession(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	fx.store.Put(session.Session{UserID: testUser, Feature: "colorize", State: session.StateWaitingImage, Data: []byte(`{"k":1}`)})

	for _, cmd := range []string{CmdHelp, CmdPoints, "我想查詢點數", "！功能"} {
		_, err := fx.text(t, cmd)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, fx.store.Writes())
	assert.Equal(t, 0, fx.store.Clears())
	sess, err := fx.store.Get(context.Background(), testUser)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "colorize", sess.Feature)
	assert.Equal(t, session.StateWaitingImage, sess.State)
	assert.JSONEq(t, `{"k":1}`, string(sess.Data))
	assert.Empty(t, fx.colorize.texts())
	assert.Len(t, fx.menu.texts(), 2)
	assert.Len(t, fx.member.texts(), 2)
}

func TestRouter_StateAffinityBeatsProbe(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	// Both image features accept the cancel command; edit owns the session.
	sess := session.Session{UserID: testUser, Feature: "edit", State: session.StateWaitingDescription}
	fx.store.Put(sess)

	_, err := fx.text(t, CmdCancel)
	require.NoError(t, err)

	assert.Equal(t, []string{CmdCancel}, fx.edit.texts())
	assert.Empty(t, fx.colorize.texts())
}

func TestRouter_AffinityReceivesFreeText(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	fx.store.Put(session.Session{UserID: testUser, Feature: "edit", State: session.StateWaitingDescription})

	_, err := fx.text(t, "把背景換成海邊")
	require.NoError(t, err)
	assert.Equal(t, []string{"把背景換成海邊"}, fx.edit.texts())
}

func TestRouter_ProbeUsesRegistrationOrder(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	f, step := fx.router.SelectText(context.Background(), CmdCancel, nil)
	require.NotNil(t, f)
	assert.Equal(t, "colorize", f.Name())
	assert.Equal(t, StepProbe, step)
}

func TestRouter_NoMatchHasNoSideEffects(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	echo, err := fx.text(t, "今天天氣如何")
	require.NoError(t, err)
	assert.Nil(t, echo)

	for _, f := range []*stubFeature{fx.menu, fx.member, fx.colorize, fx.edit} {
		assert.Empty(t, f.texts(), f.name)
	}
	assert.Equal(t, 0, fx.store.Writes())
}

func TestRouter_UnknownSessionFeatureFallsBackToProbe(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	sess := session.Session{UserID: testUser, Feature: "retired", State: "x"}

	f, step := fx.router.SelectText(context.Background(), CmdEdit, &sess)
	require.NotNil(t, f)
	assert.Equal(t, "edit", f.Name())
	assert.Equal(t, StepProbe, step)
}

func TestRouter_ImageGoesToSessionOwnerOnly(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	fx.store.Put(session.Session{UserID: testUser, Feature: "edit", State: session.StateWaitingDescription})
	fx.colorize.onImage = func(context.Context, *Event) (*gateway.Echo, error) {
		return &gateway.Echo{}, nil
	}

	echo, err := fx.router.RouteImage(context.Background(), &Event{UserID: testUser, MessageID: "m1"})
	require.NoError(t, err)
	assert.Nil(t, echo)
	assert.Equal(t, 1, fx.edit.images())
	assert.Equal(t, 0, fx.colorize.images())
}

func TestRouter_ImageWithoutSessionScansForFirstResult(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	want := &gateway.Echo{Status: gateway.EchoStatus, UserID: testUser}
	fx.colorize.onImage = func(context.Context, *Event) (*gateway.Echo, error) { return want, nil }

	echo, err := fx.router.RouteImage(context.Background(), &Event{UserID: testUser, MessageID: "m1"})
	require.NoError(t, err)
	assert.Same(t, want, echo)
	assert.Equal(t, 1, fx.menu.images())
	assert.Equal(t, 1, fx.colorize.images())
	assert.Equal(t, 0, fx.edit.images(), "scan stops at the first result")
}

func TestRouter_ImageWithoutSessionNoHandler(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	echo, err := fx.router.RouteImage(context.Background(), &Event{UserID: testUser, MessageID: "m1"})
	require.NoError(t, err)
	assert.Nil(t, echo)
	assert.Equal(t, 0, fx.store.Writes())
}

func TestRouter_FailureReleasesProcessingAcquiredByHandler(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	fx.store.Put(session.Session{UserID: testUser, Feature: "colorize", State: session.StateWaitingImage})
	fx.colorize.onImage = func(ctx context.Context, ev *Event) (*gateway.Echo, error) {
		if err := session.Transition(ctx, fx.store, ev.UserID, "colorize", session.StateProcessing, nil); err != nil {
			return nil, err
		}
		panic("lost the image")
	}

	_, err := fx.router.RouteImage(context.Background(), &Event{UserID: testUser, MessageID: "m1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "colorize")

	sess, err := fx.store.Get(context.Background(), testUser)
	require.NoError(t, err)
	assert.Nil(t, sess, "processing session must be released")
}

func TestRouter_FailureKeepsEarlierProcessingLock(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	fx.store.Put(session.Session{UserID: testUser, Feature: "colorize", State: session.StateProcessing})
	fx.colorize.onText = func(context.Context, *Event) (*gateway.Echo, error) {
		return nil, errors.New("reply failed")
	}

	_, err := fx.text(t, "好了嗎")
	require.Error(t, err)

	sess, err := fx.store.Get(context.Background(), testUser)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, session.StateProcessing, sess.State)
}

func TestRouter_StoreErrorIsReturned(t *testing.T) {
	t.Parallel()

	fx := newRouterFixture(t)
	fx.store.GetErr = errors.New("db locked")

	_, err := fx.text(t, CmdHelp)
	assert.ErrorContains(t, err, "db locked")
	assert.Empty(t, fx.menu.texts())
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubFeature{name: "a"}))
	require.NoError(t, reg.Register(&stubFeature{name: "b"}))
	assert.Error(t, reg.Register(&stubFeature{name: "a"}))
	assert.Error(t, reg.Register(&stubFeature{}))

	assert.Equal(t, []string{"a", "b"}, reg.Names())
	assert.NotNil(t, reg.Get("b"))
	assert.Nil(t, reg.Get("c"))
	assert.Panics(t, func() { reg.MustRegister(&stubFeature{name: "b"}) })
}
