package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/convo/internal/config"
	"github.com/wilhg/convo/pkg/adapters/llm/fake"
	"github.com/wilhg/convo/pkg/agent"
	convo "github.com/wilhg/convo/pkg/slices"
	"github.com/wilhg/convo/pkg/store/memstore"
)

func newTestServer(t *testing.T, model *fake.Client) *httptest.Server {
	t.Helper()
	s, err := newServer(config.Default(), memstore.New(), model, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	h, err := s.handler()
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		if err := s.close(); err != nil {
			t.Error(err)
		}
	})
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(res.Body)
		t.Fatalf("GET %s status=%d body=%s", url, res.StatusCode, b)
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestAPI_MessageLifecycle(t *testing.T) {
	srv := newTestServer(t, fake.New(fake.Reply("hello there")))

	res := post(t, srv.URL+"/api/actors/chat-1/messages", `{"user_id":"u1","text":"hi","idempotency_key":"m1"}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d", res.StatusCode)
	}
	var ref agent.EventRef
	if err := json.NewDecoder(res.Body).Decode(&ref); err != nil {
		t.Fatal(err)
	}

	// the reply is produced by the step loop after the message is recorded
	var events struct {
		Events []agent.Event `json:"events"`
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		getJSON(t, srv.URL+"/api/actors/chat-1/events", &events)
		if reply := findType(events.Events, convo.EventLLMResponse); reply != nil {
			if !strings.Contains(string(reply.Data), "hello there") {
				t.Fatalf("reply %s", reply.Data)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reply in %d events", len(events.Events))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// resending with the same key is deduplicated
	res = post(t, srv.URL+"/api/actors/chat-1/messages", `{"user_id":"u1","text":"hi","idempotency_key":"m1"}`)
	var again agent.EventRef
	if err := json.NewDecoder(res.Body).Decode(&again); err != nil {
		t.Fatal(err)
	}
	if again != ref {
		t.Fatalf("idempotent resend got %+v, want %+v", again, ref)
	}

	var st map[string]json.RawMessage
	getJSON(t, srv.URL+"/api/actors/chat-1/state?index="+jsonInt(ref.EventIndex), &st)
	if _, ok := st["conversation"]; !ok {
		t.Fatalf("state has no conversation slice: %v", st)
	}

	var list struct {
		Actors []struct {
			ActorID string `json:"actor_id"`
		} `json:"actors"`
	}
	deadline = time.Now().Add(3 * time.Second)
	for len(list.Actors) == 0 {
		getJSON(t, srv.URL+"/api/actors", &list)
		if time.Now().After(deadline) {
			t.Fatal("actor never listed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if list.Actors[0].ActorID != "chat-1" {
		t.Fatalf("listed %+v", list.Actors)
	}
}

func findType(events []agent.Event, typ string) *agent.Event {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

func jsonInt(i int64) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func TestAPI_RejectsBadInput(t *testing.T) {
	srv := newTestServer(t, fake.New())

	if res := post(t, srv.URL+"/api/actors/chat-1/messages", `{"text":`); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status=%d", res.StatusCode)
	}
	if res := post(t, srv.URL+"/api/actors/chat-1/events", `[{"data":{}}]`); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("untyped event status=%d", res.StatusCode)
	}
	if res := post(t, srv.URL+"/api/actors/chat-1/events", `[{"type":"CONVERSATION:USER_MESSAGE","data":{"text":5}}]`); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed payload status=%d", res.StatusCode)
	}
	if res := post(t, srv.URL+"/api/actors/chat-1/events", `[{"type":"CONVERSATION:PAUSED","data":{"reason":"after a bad payload"}}]`); res.StatusCode != http.StatusOK {
		t.Fatalf("valid event after a rejected one status=%d", res.StatusCode)
	}
	res, err := http.Get(srv.URL + "/api/actors/chat-1/state?index=x")
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad index status=%d", res.StatusCode)
	}
	res, err = http.Get(srv.URL + "/api/oauth/callback?state=nope&code=c")
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown oauth state status=%d", res.StatusCode)
	}
}

func TestAPI_PausedActorDoesNotStep(t *testing.T) {
	model := fake.New(fake.Reply("should not be asked"))
	srv := newTestServer(t, model)

	if res := post(t, srv.URL+"/api/actors/quiet/pause", `{"reason":"maintenance"}`); res.StatusCode != http.StatusOK {
		t.Fatalf("pause status=%d", res.StatusCode)
	}
	post(t, srv.URL+"/api/actors/quiet/messages", `{"user_id":"u1","text":"anyone?"}`)
	time.Sleep(50 * time.Millisecond)
	if n := len(model.Requests()); n != 0 {
		t.Fatalf("paused actor asked the model %d times", n)
	}
}

func TestAPI_Reminders(t *testing.T) {
	srv := newTestServer(t, fake.New())

	res := post(t, srv.URL+"/api/actors/r1/reminders", `{"message":"stretch","numberOfSecondsFromNow":3600}`)
	if res.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(res.Body)
		t.Fatalf("create status=%d body=%s", res.StatusCode, b)
	}
	var created convo.Reminder
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	var list struct {
		Reminders []convo.Reminder `json:"reminders"`
	}
	getJSON(t, srv.URL+"/api/actors/r1/reminders", &list)
	if len(list.Reminders) != 1 || list.Reminders[0].Message != "stretch" {
		t.Fatalf("reminders %+v", list.Reminders)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/actors/r1/reminders/"+created.ID, nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status=%d", del.StatusCode)
	}
	getJSON(t, srv.URL+"/api/actors/r1/reminders", &list)
	if len(list.Reminders) != 0 {
		t.Fatalf("cancelled reminder still listed: %+v", list.Reminders)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, fake.New(fake.Reply("ok")))
	post(t, srv.URL+"/api/actors/m1/messages", `{"user_id":"u1","text":"hi"}`)

	res, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(b), "convo_events_appended_total") {
		t.Fatalf("metrics output misses the event counter:\n%s", b)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "convo dev") {
		t.Fatalf("version output %q", out.String())
	}
}

func TestReplayCommand(t *testing.T) {
	events := []agent.Event{
		{EventIndex: 0, Type: convo.EventSystemPromptSet, Data: json.RawMessage(`{"prompt":"be brief"}`), CreatedAt: time.Unix(0, 0).UTC()},
		{EventIndex: 1, Type: convo.EventUserMessage, Data: json.RawMessage(`{"user_id":"u1","text":"hi"}`), CreatedAt: time.Unix(1, 0).UTC()},
		{EventIndex: 2, Type: convo.EventSystemPromptSet, Data: json.RawMessage(`{"prompt":"be thorough"}`), CreatedAt: time.Unix(2, 0).UTC()},
	}
	raw, err := json.Marshal(events)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "capture.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(args)
		if err := cmd.Execute(); err != nil {
			t.Fatal(err)
		}
		return out.String()
	}

	if got := run("replay", "--file", path, "--index", "1"); !strings.Contains(got, `"hi"`) || strings.Contains(got, "be thorough") {
		t.Fatalf("state at 1:\n%s", got)
	}
	if got := run("replay", "--file", path, "--verify"); !strings.Contains(got, "deterministic over 3 events") {
		t.Fatalf("verify output %q", got)
	}
	if got := run("prompts", "--file", path); !strings.Contains(got, "v1 (event 0)") || !strings.Contains(got, "v2 (event 2)") {
		t.Fatalf("prompt history:\n%s", got)
	}
	if got := run("prompts", "--file", path, "--diff-from", "1"); !strings.Contains(got, "+be thorough") {
		t.Fatalf("prompt diff:\n%s", got)
	}
}
