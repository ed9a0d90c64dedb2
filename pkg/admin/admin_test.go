package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/registry"
	"github.com/builderjer/ovos-core/pkg/session"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

type fakeBackend struct {
	mu       sync.Mutex
	skills   []registry.Entry
	sessions map[string]session.Session
	injected []utterance.Utterance
	result   dispatch.Result
	err      error
}

func (f *fakeBackend) Skills() []registry.Entry { return f.skills }

func (f *fakeBackend) Sessions(context.Context) ([]session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []session.Session
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeBackend) Session(_ context.Context, id string) (session.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[id]
	return s, ok, nil
}

func (f *fakeBackend) EndSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.sessions[id]; !ok {
		return session.ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeBackend) Dispatch(_ context.Context, u utterance.Utterance) (dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.injected = append(f.injected, u)
	res := f.result
	res.UtteranceID = u.ID
	res.SessionID = u.EffectiveSessionID()
	return res, f.err
}

func newBackend() *fakeBackend {
	return &fakeBackend{
		skills: []registry.Entry{
			{Registration: skill.Registration{SkillID: "weather"}, Health: skill.Healthy},
			{Registration: skill.Registration{SkillID: "broken"}, Health: skill.Degraded},
		},
		sessions: map[string]session.Session{
			"kitchen": {ID: "kitchen", ActiveSkill: "weather", Turn: 2},
		},
	}
}

func serve(t *testing.T, b Backend, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	New(b).ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	h := New(newBackend(), func(o *Options) {
		o.Version = "1.2.3"
		o.Now = func() time.Time { return now }
	})
	now = start.Add(time.Minute)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := decode(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1m0s", body["uptime"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.InDelta(t, 2, body["skills"], 0)
	assert.InDelta(t, 1, body["healthy_skills"], 0)
}

func TestSkills(t *testing.T) {
	rr := serve(t, newBackend(), http.MethodGet, "/skills", "")
	require.Equal(t, http.StatusOK, rr.Code)

	skills, ok := decode(t, rr)["skills"].([]any)
	require.True(t, ok)
	require.Len(t, skills, 2)
	first, ok := skills[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "weather", first["skill_id"])
}

func TestSessions(t *testing.T) {
	b := newBackend()

	rr := serve(t, b, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["sessions"], 1)

	rr = serve(t, b, http.MethodGet, "/sessions/kitchen", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "kitchen", body["id"])
	assert.Equal(t, "weather", body["active_skill"])

	rr = serve(t, b, http.MethodGet, "/sessions/garage", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSessionsEmptyIsArray(t *testing.T) {
	b := newBackend()
	b.sessions = nil

	rr := serve(t, b, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rr.Body.String())
}

func TestEndSession(t *testing.T) {
	b := newBackend()

	rr := serve(t, b, http.MethodDelete, "/sessions/kitchen", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, b.sessions)

	rr = serve(t, b, http.MethodDelete, "/sessions/kitchen", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInjectUtterance(t *testing.T) {
	b := newBackend()
	b.result = dispatch.Result{
		State:     dispatch.StateCompleted,
		Handled:   true,
		SkillID:   "weather",
		IntentID:  "forecast",
		MatchKind: dispatch.MatchIntent,
		Events:    []dispatch.Event{dispatch.Speak("kitchen", "sunny")},
	}

	rr := serve(t, b, http.MethodPost, "/utterances",
		`{"utterance":"what's the weather","lang":"en-us","site_id":"kitchen","metadata":{"stt":"vosk"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := decode(t, rr)
	assert.Equal(t, "completed", body["state"])
	assert.Equal(t, true, body["handled"])
	assert.Equal(t, "weather", body["skill_id"])
	assert.Equal(t, "kitchen", body["session_id"])
	events, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, events, 1)

	require.Len(t, b.injected, 1)
	u := b.injected[0]
	assert.Equal(t, "what's the weather", u.Text)
	assert.Equal(t, "en-us", u.Lang)
	assert.Equal(t, "admin", u.Source)
	assert.Equal(t, "vosk", u.Metadata["stt"])
}

func TestInjectRejectsBadBodies(t *testing.T) {
	b := newBackend()

	for _, body := range []string{`{}`, `{"utterance":"   "}`, `not json`} {
		rr := serve(t, b, http.MethodPost, "/utterances", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
	assert.Empty(t, b.injected)
}

func TestInjectSessionBusy(t *testing.T) {
	b := newBackend()
	b.err = dispatch.ErrSessionBusy

	rr := serve(t, b, http.MethodPost, "/utterances", `{"utterance":"hello"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, decode(t, rr)["error"], "session busy")
}
