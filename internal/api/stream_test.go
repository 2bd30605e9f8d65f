package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/session"
	"github.com/rudnitski/HealthUp-sub002/internal/stream"
)

func TestStreamForwardsEventsAsSSE(t *testing.T) {
	hub := stream.NewHub(nil)
	dir := &fakeDirectory{sessions: map[string]session.Session{
		"tok-1": {Token: "tok-1", AccountID: "acct-1"},
	}}
	h := newTestHandler(t, Dependencies{Chat: &fakeChatService{}, Sessions: dir, Streams: hub})

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/sessions/tok-1/stream", nil)
	req.Header.Set("X-Account-ID", "acct-1")
	rr := httptest.NewRecorder()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		h.ServeHTTP(rr, req)
	}()

	waitForSubscriber(t, hub)
	hub.Publish("tok-1", stream.TextDelta("Here are "))
	hub.Publish("tok-1", stream.TextDelta("the results."))
	hub.Publish("tok-1", stream.FinalResult("SELECT 1", "data", []string{"one"}, [][]any{{1}}))
	hub.Publish("tok-1", stream.Done())
	hub.Close("tok-1")

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not finish")
	}

	if got := rr.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"event: session_start\ndata: {\"session_id\":\"tok-1\"}\n\n",
		"event: text_delta\ndata: {\"content\":\"Here are \"}\n\n",
		"event: text_delta\ndata: {\"content\":\"the results.\"}\n\n",
		"event: final_result\ndata: {\"statement\":\"SELECT 1\"",
		"event: done\ndata: {}\n\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "session_start") > strings.Index(body, "text_delta") {
		t.Fatalf("session_start not first:\n%s", body)
	}
}

func TestStreamUnknownSessionIs404(t *testing.T) {
	hub := stream.NewHub(nil)
	h := newTestHandler(t, Dependencies{Chat: &fakeChatService{}, Sessions: &fakeDirectory{}, Streams: hub})

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/sessions/ghost/stream", nil)
	req.Header.Set("X-Account-ID", "acct-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	if hub.SubscriberCount() != 0 {
		t.Fatalf("subscribers = %d, want 0", hub.SubscriberCount())
	}
}

func TestStreamEndsWhenClientDisconnects(t *testing.T) {
	hub := stream.NewHub(nil)
	dir := &fakeDirectory{sessions: map[string]session.Session{
		"tok-1": {Token: "tok-1", AccountID: "acct-1"},
	}}
	h := newTestHandler(t, Dependencies{Chat: &fakeChatService{}, Sessions: dir, Streams: hub})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/chat/sessions/tok-1/stream", nil).WithContext(ctx)
	req.Header.Set("X-Account-ID", "acct-1")
	rr := httptest.NewRecorder()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		h.ServeHTTP(rr, req)
	}()

	waitForSubscriber(t, hub)
	cancel()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not stop on disconnect")
	}

	if !strings.Contains(rr.Body.String(), "event: session_start") {
		t.Fatalf("body missing session_start:\n%s", rr.Body.String())
	}
	if hub.SubscriberCount() != 0 {
		t.Fatalf("subscribers = %d, want 0 after cancel", hub.SubscriberCount())
	}
}

func TestStreamReconnectSupersedesPreviousSubscriber(t *testing.T) {
	hub := stream.NewHub(nil)
	dir := &fakeDirectory{sessions: map[string]session.Session{
		"tok-1": {Token: "tok-1", AccountID: "acct-1"},
	}}
	h := newTestHandler(t, Dependencies{Chat: &fakeChatService{}, Sessions: dir, Streams: hub})

	firstReq := httptest.NewRequest(http.MethodGet, "/v1/chat/sessions/tok-1/stream", nil)
	firstReq.Header.Set("X-Account-ID", "acct-1")
	firstRec := httptest.NewRecorder()
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		h.ServeHTTP(firstRec, firstReq)
	}()
	waitForSubscriber(t, hub)

	secondReq := httptest.NewRequest(http.MethodGet, "/v1/chat/sessions/tok-1/stream", nil)
	secondReq.Header.Set("X-Account-ID", "acct-1")
	secondRec := httptest.NewRecorder()
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		h.ServeHTTP(secondRec, secondReq)
	}()

	// The first handler exits only after the second subscription
	// supersedes it, so the new subscriber is attached by now.
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded stream did not close")
	}

	hub.Publish("tok-1", stream.TextDelta("late"))
	hub.Close("tok-1")

	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("second stream did not finish")
	}

	if strings.Contains(firstRec.Body.String(), "late") {
		t.Fatal("superseded subscriber received event")
	}
	if !strings.Contains(secondRec.Body.String(), "late") {
		t.Fatalf("second subscriber missing event:\n%s", secondRec.Body.String())
	}
}

func waitForSubscriber(t *testing.T, hub *stream.Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no subscriber attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
