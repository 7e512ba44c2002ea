package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/session"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, unsupported ...string) (*Adapter, *RecordingHost, *clock.Mock) {
	t.Helper()
	host := NewRecordingHost(unsupported...)
	clk := clock.NewMock()
	a := NewAdapter(host, Options{Clock: clk, CardDetailsTimeout: 10 * time.Second})
	return a, host, clk
}

func TestAdapter_OutboundPayloads(t *testing.T) {
	a, host, _ := newTestAdapter(t)

	require.True(t, a.SendMessage(SendRequest{
		Message: "why?",
		History: []session.Turn{{Role: "user", Content: "hi"}},
		Mode:    "compact",
	}))
	var req SendRequest
	require.True(t, host.Last(MethodSendMessage, &req))
	require.Equal(t, "why?", req.Message)
	require.Len(t, req.History, 1)

	require.True(t, a.OpenDeck("42"))
	var open map[string]any
	require.True(t, host.Last(MethodOpenDeck, &open))
	require.EqualValues(t, 42, open["deckId"], "numeric ids go out as numbers")

	require.True(t, a.SaveSessions(nil))
	var saved []session.Session
	require.True(t, host.Last(MethodSaveSessions, &saved))
	require.NotNil(t, saved)

	require.True(t, a.LoadSessions())
	require.True(t, a.GetCurrentDeck())
	require.True(t, a.DeleteSession("s1"))
	require.True(t, a.GoToCard("7"))
	require.True(t, a.ShowAnswer())
	require.True(t, a.HideAnswer())
	require.True(t, a.GenerateSectionTitle(TitleRequest{SectionID: "sec", RequestID: "r1", Question: "Q"}))
}

func TestAdapter_UnsupportedMethodIsNoop(t *testing.T) {
	a, host, _ := newTestAdapter(t, MethodCancelRequest)

	require.False(t, a.Supports(MethodCancelRequest))
	require.False(t, a.CancelRequest())
	require.Empty(t, host.CallsTo(MethodCancelRequest))
}

func TestAdapter_CallFailure(t *testing.T) {
	a, host, _ := newTestAdapter(t)
	host.FailOn(MethodLoadSessions, fmt.Errorf("pipe closed"))
	require.False(t, a.LoadSessions())
}

func TestAdapter_DispatchPublishes(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	var got []Envelope
	a.Bus().Subscribe(func(e Envelope) { got = append(got, e) })

	require.NoError(t, a.Dispatch([]byte(`{"type":"bot","message":"hello"}`)))
	require.Error(t, a.Dispatch([]byte(`{"message":"typeless"}`)))
	require.Error(t, a.Dispatch([]byte(`{`)))

	require.Len(t, got, 1)
	require.Equal(t, "hello", got[0].Message)
}

func TestAdapter_CachedSnapshots(t *testing.T) {
	a, host, _ := newTestAdapter(t)

	_, ok := a.AuthStatus()
	require.False(t, ok)
	require.Len(t, host.CallsTo(MethodGetAuthStatus), 1, "a miss triggers a refresh")

	a.Deliver(NewEvent(EventAuthStatusLoaded, AuthStatus{Authenticated: true, Email: "a@b.c"}))
	status, ok := a.AuthStatus()
	require.True(t, ok)
	require.True(t, status.Authenticated)
	require.Len(t, host.CallsTo(MethodGetAuthStatus), 2, "a hit still refreshes")

	// The cached value is served until the host answers the refresh.
	status, ok = a.AuthStatus()
	require.True(t, ok)
	require.Equal(t, "a@b.c", status.Email)
	require.Len(t, host.CallsTo(MethodGetAuthStatus), 3)
	a.Deliver(NewEvent(EventAuthStatusLoaded, AuthStatus{Authenticated: false}))
	status, _ = a.AuthStatus()
	require.False(t, status.Authenticated)

	_, ok = a.AITools()
	require.False(t, ok)
	require.Len(t, host.CallsTo(MethodGetAITools), 1)
	a.Deliver(NewEvent(EventAIToolsLoaded, AITools{"images": true}))
	tools, ok := a.AITools()
	require.True(t, ok)
	require.True(t, tools["images"])
	require.Len(t, host.CallsTo(MethodGetAITools), 2)

	require.True(t, a.SaveAITools(AITools{"images": false}))
	tools, _ = a.AITools()
	require.False(t, tools["images"])
}

func TestAdapter_GetCardDetails(t *testing.T) {
	a, host, _ := newTestAdapter(t)

	type result struct {
		d   *CardDetails
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := a.GetCardDetails(context.Background(), "7")
		done <- result{d, err}
	}()

	var callbackID string
	require.Eventually(t, func() bool {
		var req map[string]any
		if !host.Last(MethodGetCardDetails, &req) {
			return false
		}
		callbackID, _ = req["callbackId"].(string)
		return callbackID != ""
	}, time.Second, 5*time.Millisecond)

	// A reply for another request is ignored.
	a.Deliver(NewEvent(EventCardDetails, CardDetails{CallbackID: "other", Success: true}))
	a.Deliver(NewEvent(EventCardDetails, CardDetails{CallbackID: callbackID, Success: true, Card: map[string]any{"id": 7.0}}))

	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, 7.0, r.d.Card["id"])
}

func TestAdapter_GetCardDetails_CallbackOnEnvelope(t *testing.T) {
	a, host, _ := newTestAdapter(t)
	done := make(chan error, 1)
	go func() {
		_, err := a.GetCardDetails(context.Background(), "7")
		done <- err
	}()

	var callbackID string
	require.Eventually(t, func() bool {
		var req map[string]any
		if host.Last(MethodGetCardDetails, &req) {
			callbackID, _ = req["callbackId"].(string)
		}
		return callbackID != ""
	}, time.Second, 5*time.Millisecond)

	a.Deliver(Envelope{Type: EventCardDetails, CallbackID: callbackID, Data: json.RawMessage(`{"success":false,"error":"deleted"}`)})
	err := <-done
	require.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

func TestAdapter_GetCardDetails_Timeout(t *testing.T) {
	a, host, clk := newTestAdapter(t)
	done := make(chan error, 1)
	go func() {
		_, err := a.GetCardDetails(context.Background(), "7")
		done <- err
	}()

	require.Eventually(t, func() bool { return host.Last(MethodGetCardDetails, nil) }, time.Second, 5*time.Millisecond)
	var err error
	require.Eventually(t, func() bool {
		clk.Add(11 * time.Second)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	require.True(t, errors.Is(err, errors.ErrTimeout), "got %v", err)
}

func TestAdapter_GetCardDetails_Cancelled(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.GetCardDetails(ctx, "7")
	require.True(t, errors.Is(err, errors.ErrCancelled), "got %v", err)
}

func TestAdapter_GetCardDetails_Unsupported(t *testing.T) {
	a, _, _ := newTestAdapter(t, MethodGetCardDetails)
	_, err := a.GetCardDetails(context.Background(), "7")
	require.True(t, errors.Is(err, errors.ErrHostUnavailable))
}

func TestAdapter_Capabilities(t *testing.T) {
	var buf syncBuffer
	host := NewStdioHost(&buf)
	a := NewAdapter(host, Options{})

	require.True(t, a.Supports(MethodCancelRequest))
	a.Deliver(NewEvent(EventCapabilities, []string{MethodSendMessage, MethodLoadSessions}))
	require.False(t, a.Supports(MethodCancelRequest))
	require.True(t, a.Supports(MethodSendMessage))
	require.False(t, a.CancelRequest())
}

func TestAdapter_NilHostUsesSimulator(t *testing.T) {
	a := NewAdapter(nil, Options{})
	sim, ok := a.Host().(*Simulator)
	require.True(t, ok)
	defer sim.Close()

	got := make(chan Envelope, 4)
	a.Bus().Subscribe(func(e Envelope) { got <- e }, EventSessionsLoaded)
	require.True(t, a.LoadSessions())

	select {
	case e := <-got:
		sessions, _, err := DecodeSessions(e)
		require.NoError(t, err)
		require.Empty(t, sessions)
	case <-time.After(time.Second):
		t.Fatal("no sessionsLoaded event")
	}
}
