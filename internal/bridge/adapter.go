package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
)

// Snapshot cache keys.
const (
	keyAuthStatus = "authStatus"
	keyAITools    = "aiTools"
)

// Options configures an Adapter.
type Options struct {
	Log                *zap.Logger
	Clock              clock.Clock
	CardDetailsTimeout time.Duration // default 10s
	SnapshotTTL        time.Duration // default 10m
}

// Adapter is the single point of contact with the host. Outbound calls are
// guarded: a method the host does not provide becomes a logged no-op.
// Inbound events are decoded, validated and published on the Bus.
type Adapter struct {
	host        Host
	bus         *Bus
	log         *zap.Logger
	clock       clock.Clock
	cardTimeout time.Duration
	snapshots   *cache.Cache

	mu      sync.Mutex
	pending map[string]chan CardDetails
}

// NewAdapter wires host to a fresh bus. A nil host is replaced by a
// Simulator backed by in-memory storage.
func NewAdapter(host Host, opts Options) *Adapter {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.CardDetailsTimeout <= 0 {
		opts.CardDetailsTimeout = 10 * time.Second
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 10 * time.Minute
	}
	if host == nil {
		opts.Log.Info("no host attached, using simulator")
		host = NewSimulator(NewMemoryStorage(), SimOptions{Log: opts.Log, Clock: opts.Clock})
	}

	a := &Adapter{
		host:        host,
		bus:         NewBus(opts.Log),
		log:         opts.Log.Named("bridge"),
		clock:       opts.Clock,
		cardTimeout: opts.CardDetailsTimeout,
		// No janitor goroutine: expired entries are dropped on read.
		snapshots: cache.New(opts.SnapshotTTL, 0),
		pending:   make(map[string]chan CardDetails),
	}
	if att, ok := host.(Attacher); ok {
		att.Attach(a.Deliver)
	}
	return a
}

// Bus returns the event bus inbound events are published on.
func (a *Adapter) Bus() *Bus { return a.bus }

// Host returns the underlying host.
func (a *Adapter) Host() Host { return a.host }

// Supports reports whether the host provides method.
func (a *Adapter) Supports(method string) bool {
	if cr, ok := a.host.(CapabilityReporter); ok {
		return cr.Supports(method)
	}
	return true
}

// call sends one outbound call. It returns false when the call was not
// delivered; the reason has been logged.
func (a *Adapter) call(method string, payload any) bool {
	if !a.Supports(method) {
		a.log.Debug("host method unavailable", zap.String("method", method))
		return false
	}
	if err := a.host.Call(method, payload); err != nil {
		a.log.Warn("host call failed", zap.String("method", method), zap.Error(err))
		return false
	}
	return true
}

// SendMessage submits a chat request.
func (a *Adapter) SendMessage(req SendRequest) bool {
	return a.call(MethodSendMessage, req)
}

// CancelRequest asks the host to abort the in-flight request.
func (a *Adapter) CancelRequest() bool {
	return a.call(MethodCancelRequest, nil)
}

// LoadSessions asks the host for the persisted sessions (answered by sessionsLoaded).
func (a *Adapter) LoadSessions() bool {
	return a.call(MethodLoadSessions, nil)
}

// SaveSessions hands the full session list to the host for persistence.
func (a *Adapter) SaveSessions(sessions []session.Session) bool {
	if sessions == nil {
		sessions = []session.Session{}
	}
	return a.call(MethodSaveSessions, sessions)
}

// DeleteSession removes one persisted session.
func (a *Adapter) DeleteSession(id string) bool {
	return a.call(MethodDeleteSession, map[string]string{"sessionId": id})
}

// GetCurrentDeck asks which deck is open (answered by currentDeck).
func (a *Adapter) GetCurrentDeck() bool {
	return a.call(MethodGetCurrentDeck, nil)
}

// OpenDeck asks the host to open deckID for review.
func (a *Adapter) OpenDeck(deckID session.HostID) bool {
	return a.call(MethodOpenDeck, map[string]session.HostID{"deckId": deckID})
}

// GenerateSectionTitle requests a title (answered by sectionTitleGenerated).
func (a *Adapter) GenerateSectionTitle(req TitleRequest) bool {
	return a.call(MethodGenerateSectionTitle, req)
}

// GoToCard asks the reviewer to show cardID.
func (a *Adapter) GoToCard(cardID session.HostID) bool {
	return a.call(MethodGoToCard, map[string]session.HostID{"cardId": cardID})
}

// ShowAnswer flips the current card.
func (a *Adapter) ShowAnswer() bool { return a.call(MethodShowAnswer, nil) }

// HideAnswer returns to the question side.
func (a *Adapter) HideAnswer() bool { return a.call(MethodHideAnswer, nil) }

// RefreshAuthStatus asks the host for its account state.
func (a *Adapter) RefreshAuthStatus() bool { return a.call(MethodGetAuthStatus, nil) }

// RefreshAITools asks the host for its tool toggles.
func (a *Adapter) RefreshAITools() bool { return a.call(MethodGetAITools, nil) }

// SaveAITools stores tool toggles in the host and in the local snapshot.
func (a *Adapter) SaveAITools(tools AITools) bool {
	a.snapshots.SetDefault(keyAITools, tools)
	return a.call(MethodSaveAITools, tools)
}

// AuthStatus returns the last known account state and asks the host for a
// fresh one. ok is false when nothing is cached yet.
func (a *Adapter) AuthStatus() (status AuthStatus, ok bool) {
	a.RefreshAuthStatus()
	if v, found := a.snapshots.Get(keyAuthStatus); found {
		return v.(AuthStatus), true
	}
	return AuthStatus{}, false
}

// AITools returns the last known tool toggles and asks the host for fresh ones.
func (a *Adapter) AITools() (AITools, bool) {
	a.RefreshAITools()
	if v, found := a.snapshots.Get(keyAITools); found {
		return v.(AITools), true
	}
	return nil, false
}

// GetCardDetails requests details for cardID and waits for the correlated
// cardDetails reply, the context, or the configured timeout.
func (a *Adapter) GetCardDetails(ctx context.Context, cardID session.HostID) (*CardDetails, error) {
	if !a.Supports(MethodGetCardDetails) {
		return nil, errors.NewHostUnavailable(MethodGetCardDetails)
	}

	callbackID := session.NewRequestID()
	ch := make(chan CardDetails, 1)
	a.mu.Lock()
	a.pending[callbackID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, callbackID)
		a.mu.Unlock()
	}()

	payload := map[string]any{"cardId": cardID, "callbackId": callbackID}
	if err := a.host.Call(MethodGetCardDetails, payload); err != nil {
		return nil, errors.NewInternal(err)
	}

	timer := a.clock.Timer(a.cardTimeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		if !d.Success {
			return nil, errors.NewCardUnavailable(cardID.String(), d.Error)
		}
		return &d, nil
	case <-ctx.Done():
		return nil, errors.NewCancelled(MethodGetCardDetails)
	case <-timer.C:
		return nil, errors.NewTimeout(MethodGetCardDetails)
	}
}

// Dispatch decodes one raw inbound event and delivers it. Malformed input is
// logged and returned; nothing is published for it.
func (a *Adapter) Dispatch(raw []byte) error {
	env, err := ParseEnvelope(raw)
	if err != nil {
		a.log.Warn("dropping malformed event", zap.Error(err))
		return err
	}
	a.Deliver(env)
	return nil
}

// Deliver handles adapter-level events and publishes env on the bus.
func (a *Adapter) Deliver(env Envelope) {
	switch env.Type {
	case EventAuthStatusLoaded:
		if status, err := DecodeData[AuthStatus](env); err == nil {
			a.snapshots.SetDefault(keyAuthStatus, status)
		} else {
			a.log.Warn("malformed auth status", zap.Error(err))
		}
	case EventAIToolsLoaded:
		var tools AITools
		if err := json.Unmarshal(env.Data, &tools); err == nil && tools != nil {
			a.snapshots.SetDefault(keyAITools, tools)
		} else {
			a.log.Warn("malformed ai tools", zap.Error(err))
		}
	case EventCardDetails:
		a.resolveCardDetails(env)
	case EventCapabilities:
		a.applyCapabilities(env)
	}
	a.bus.Publish(env)
}

func (a *Adapter) resolveCardDetails(env Envelope) {
	// The callback id may sit on the envelope or inside data.
	d, err := DecodeData[CardDetails](env)
	if err != nil && env.CallbackID != "" {
		d = CardDetails{CallbackID: env.CallbackID}
		_ = json.Unmarshal(env.Data, &d)
		d.CallbackID = env.CallbackID
		err = nil
	}
	if err != nil {
		a.log.Warn("malformed card details", zap.Error(err))
		return
	}

	a.mu.Lock()
	ch, ok := a.pending[d.CallbackID]
	a.mu.Unlock()
	if !ok {
		a.log.Debug("card details for unknown callback", zap.String("callback_id", d.CallbackID))
		return
	}
	select {
	case ch <- d:
	default:
	}
}

func (a *Adapter) applyCapabilities(env Envelope) {
	setter, ok := a.host.(CapabilitySetter)
	if !ok {
		return
	}
	var methods []string
	if err := json.Unmarshal(env.Data, &methods); err != nil {
		a.log.Warn("malformed capabilities", zap.Error(err))
		return
	}
	setter.SetCapabilities(methods)
	a.log.Info("host capabilities", zap.Strings("methods", methods))
}
