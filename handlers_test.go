package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cfilipov/rangeconsole/internal/testutil"
)

func TestRequiresLogin(t *testing.T) {
	env := testutil.Setup(t)
	conn := env.DialWS(t)

	resp := env.SendAndReceive(t, conn, "listRanges")
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatal("expected listRanges to fail before login")
	}
	if msg, _ := resp["msg"].(string); msg != "Not logged in" {
		t.Errorf("msg = %q", msg)
	}
}

func TestLoginBadToken(t *testing.T) {
	env := testutil.Setup(t)
	conn := env.DialWS(t)

	resp := env.SendAndReceive(t, conn, "loginByToken", "not-a-jwt")
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("expected login to fail with a garbage token")
	}
}

func TestLoginRevokedToken(t *testing.T) {
	env := testutil.Setup(t)
	token, err := env.Tokens.Mint("tester", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Tokens.Revoke("tester"); err != nil {
		t.Fatal(err)
	}

	conn := env.DialWS(t)
	resp := env.SendAndReceive(t, conn, "loginByToken", token)
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("expected revoked token to be rejected")
	}
}

func TestLogout(t *testing.T) {
	env := testutil.Setup(t)
	conn := env.DialWS(t)
	env.Login(t, conn)

	resp := env.SendAndReceive(t, conn, "logout")
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("logout failed: %v", resp)
	}
	resp = env.SendAndReceive(t, conn, "listRanges")
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("expected requests to fail after logout")
	}
}

func TestListRangesAndMe(t *testing.T) {
	env := testutil.Setup(t)
	conn := env.DialWS(t)
	env.Login(t, conn)

	resp := env.SendAndReceive(t, conn, "listRanges")
	ranges, _ := resp["data"].([]any)
	if len(ranges) != 1 {
		t.Fatalf("ranges = %v", resp)
	}
	first, _ := ranges[0].(map[string]any)
	if first["name"] != "demo" {
		t.Errorf("range = %v", first)
	}

	resp = env.SendAndReceive(t, conn, "me")
	me, _ := resp["data"].(map[string]any)
	if me["email"] != "operator@example.com" {
		t.Errorf("me = %v", resp)
	}
}

// openDemo opens the seeded range and returns the ack data.
func openDemo(t *testing.T, env *testutil.TestEnv) map[string]any {
	t.Helper()
	conn := env.DialWS(t)
	env.Login(t, conn)
	resp := env.SendAndReceive(t, conn, "openRange", 1)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("openRange failed: %v", resp)
	}
	data, _ := resp["data"].(map[string]any)
	return data
}

func TestOpenRangeResolvesLinks(t *testing.T) {
	env := testutil.Setup(t)
	data := openDemo(t, env)

	if data["selected"] != "desk" {
		t.Errorf("selected = %v", data["selected"])
	}
	links, _ := data["links"].([]any)
	if len(links) != 2 {
		t.Fatalf("links = %v", data["links"])
	}
	desk, _ := links[0].(map[string]any)
	if desk["service_name"] != "desk" {
		t.Fatalf("first link group = %v", desk)
	}
	found := false
	for _, l := range desk["links"].([]any) {
		href, _ := l.(map[string]any)["href"].(string)
		if strings.Contains(href, ":32768/") {
			found = true
		}
	}
	if !found {
		t.Errorf("no nat-port link for desk: %v", desk["links"])
	}

	if env.Session.RangeID() != 1 {
		t.Errorf("session range = %d", env.Session.RangeID())
	}
	if id, _ := env.Prefs.LastRange(); id != 1 {
		t.Errorf("last range = %d", id)
	}
}

// linkHrefs collects the hrefs of one service's links by flavor.
func linkHrefs(t *testing.T, data map[string]any, service string) map[string]string {
	t.Helper()
	out := map[string]string{}
	groups, _ := data["links"].([]any)
	for _, g := range groups {
		group, _ := g.(map[string]any)
		if group["service_name"] != service {
			continue
		}
		for _, l := range group["links"].([]any) {
			link, _ := l.(map[string]any)
			flavor, _ := link["flavor"].(string)
			href, _ := link["href"].(string)
			out[flavor] = href
		}
	}
	return out
}

func TestLinksFollowBrowserHost(t *testing.T) {
	env := testutil.Setup(t)
	openDemo(t, env)

	conn := env.DialWSHost(t, "lab.example:5080")
	env.Login(t, conn)
	resp := env.SendAndReceive(t, conn, "refreshRange")
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("refreshRange failed: %v", resp)
	}
	data, _ := resp["data"].(map[string]any)

	desk := linkHrefs(t, data, "desk")
	if want := "http://lab.example:32768/vnc.html?autoconnect=true&resize=remote"; desk["nat-port"] != want {
		t.Errorf("desk nat-port = %q, want %q", desk["nat-port"], want)
	}
	for flavor, href := range desk {
		if strings.Contains(href, "{origin}") || strings.Contains(href, "localhost:32768") {
			t.Errorf("%s link not rendered for the browser host: %q", flavor, href)
		}
	}

	// A connection on another host sees its own hostname.
	other := env.DialWSHost(t, "10.1.2.3:5080")
	env.Login(t, other)
	resp = env.SendAndReceive(t, other, "refreshRange")
	data, _ = resp["data"].(map[string]any)
	if got := linkHrefs(t, data, "desk")["nat-port"]; !strings.HasPrefix(got, "http://10.1.2.3:32768/") {
		t.Errorf("second connection nat-port = %q", got)
	}
}

func TestProxyLinksCarryLogin(t *testing.T) {
	env := testutil.Setup(t)
	data := openDemo(t, env)

	if got, want := linkHrefs(t, data, "web")["proxy"], "/api/ranges/1/access/web/?pwd=neko&usr=tester"; got != want {
		t.Errorf("web proxy = %q, want %q", got, want)
	}
	if got := linkHrefs(t, data, "desk")["proxy"]; strings.Contains(got, "usr=") {
		t.Errorf("vnc proxy link got a login query: %q", got)
	}
}

func TestOpenUnknownRange(t *testing.T) {
	env := testutil.Setup(t)
	conn := env.DialWS(t)
	env.Login(t, conn)

	resp := env.SendAndReceive(t, conn, "openRange", 99)
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatal("expected openRange 99 to fail")
	}
	if msg, _ := resp["msg"].(string); msg != "range not found" {
		t.Errorf("msg = %q", msg)
	}
	if status, _ := resp["status"].(float64); status != http.StatusNotFound {
		t.Errorf("status = %v", resp["status"])
	}
	if env.Session.View() != nil {
		t.Error("failed open changed the session")
	}
}

func TestRangePushReachesOtherConnections(t *testing.T) {
	env := testutil.Setup(t)

	watcher := env.DialWS(t)
	env.Login(t, watcher)

	openDemo(t, env)

	env.WaitForPush(t, watcher, "range", func(data json.RawMessage) bool {
		var p struct {
			Range struct {
				ID int64 `json:"id"`
			} `json:"range"`
		}
		return json.Unmarshal(data, &p) == nil && p.Range.ID == 1
	})
}

func TestStartRoomRefreshes(t *testing.T) {
	env := testutil.Setup(t)
	openDemo(t, env)
	conn := env.DialWS(t)
	env.Login(t, conn)

	resp := env.SendAndReceive(t, conn, "stopRoom", "desk")
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("stopRoom failed: %v", resp)
	}
	if room, _ := env.Backend.Room(1, "desk"); room.Status != "exited" {
		t.Errorf("backend room status = %q", room.Status)
	}

	v := env.Session.View()
	if v == nil {
		t.Fatal("no view")
	}
	room, ok := v.Room("desk")
	if !ok || room.Status != "exited" {
		t.Errorf("view room = %+v", room)
	}
}

func TestRoomFailureKeepsBackendText(t *testing.T) {
	env := testutil.Setup(t)
	openDemo(t, env)
	env.Backend.Fail("POST /api/ranges/1/rooms/desk/restart", http.StatusConflict, "room desk is busy")

	conn := env.DialWS(t)
	env.Login(t, conn)
	resp := env.SendAndReceive(t, conn, "restartRoom", "desk")
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatal("expected restartRoom to fail")
	}
	if msg, _ := resp["msg"].(string); msg != "room desk is busy" {
		t.Errorf("msg = %q", msg)
	}
	if st := env.Session.Status(); st.Text != "restart failed: room desk is busy" || !st.Error {
		t.Errorf("status = %+v", st)
	}
}

func TestRoomVerbRequiresService(t *testing.T) {
	env := testutil.Setup(t)
	openDemo(t, env)
	conn := env.DialWS(t)
	env.Login(t, conn)

	resp := env.SendAndReceive(t, conn, "startRoom")
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("expected startRoom without a service to fail")
	}
}

func TestUpdateRoom(t *testing.T) {
	env := testutil.Setup(t)
	openDemo(t, env)
	conn := env.DialWS(t)
	env.Login(t, conn)

	settings := map[string]any{"user_pass": "hunter2", "admin_pass": "root", "max_connections": 3}
	resp := env.SendAndReceive(t, conn, "updateRoom", "desk", settings, true)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("updateRoom failed: %v", resp)
	}
	room, _ := env.Backend.Room(1, "desk")
	s, ok := room.ParsedSettings()
	if !ok || s.UserPass != "hunter2" || s.MaxConnections != 3 {
		t.Errorf("backend settings = %+v", s)
	}
}

func TestSelectRoom(t *testing.T) {
	env := testutil.Setup(t)
	openDemo(t, env)
	conn := env.DialWS(t)
	env.Login(t, conn)

	resp := env.SendAndReceive(t, conn, "selectRoom", "web")
	data, _ := resp["data"].(map[string]any)
	if data["selected"] != "web" {
		t.Fatalf("selectRoom = %v", resp)
	}
	if svc, _ := env.Prefs.SelectedService(1); svc != "web" {
		t.Errorf("saved selection = %q", svc)
	}

	resp = env.SendAndReceive(t, conn, "selectRoom", "nope")
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("expected unknown service to be rejected")
	}
}

func TestEventLog(t *testing.T) {
	env := testutil.Setup(t)
	openDemo(t, env)
	conn := env.DialWS(t)
	env.Login(t, conn)

	env.Backend.Emit(1, "info", "note", "hello")

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := env.SendAndReceive(t, conn, "eventLog", 0)
		data, _ := resp["data"].(map[string]any)
		evs, _ := data["events"].([]any)
		if len(evs) >= 2 {
			last, _ := evs[len(evs)-1].(map[string]any)
			if last["message"] != "hello" {
				t.Errorf("last event = %v", last)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event log never filled: %v", resp)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEventLogWithoutRange(t *testing.T) {
	env := testutil.Setup(t)
	conn := env.DialWS(t)
	env.Login(t, conn)

	resp := env.SendAndReceive(t, conn, "eventLog", 0)
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("expected eventLog to fail with no range open")
	}
}

func TestCloseRange(t *testing.T) {
	env := testutil.Setup(t)
	openDemo(t, env)
	conn := env.DialWS(t)
	env.Login(t, conn)

	resp := env.SendAndReceive(t, conn, "closeRange")
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("closeRange failed: %v", resp)
	}
	if env.Session.View() != nil || env.Session.Stream() != nil {
		t.Error("session still holds the range")
	}
	if id, _ := env.Prefs.LastRange(); id != 0 {
		t.Errorf("last range = %d", id)
	}
}

func TestCreateRange(t *testing.T) {
	env := testutil.Setup(t)
	conn := env.DialWS(t)
	env.Login(t, conn)

	req := map[string]any{
		"team_id": 1,
		"name":    "scratch",
		"rooms":   []map[string]any{{"name": "box", "image": "ghcr.io/m1k1o/neko/firefox:latest"}},
	}
	resp := env.SendAndReceive(t, conn, "createRange", req)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("createRange failed: %v", resp)
	}
	data, _ := resp["data"].(map[string]any)
	id, _ := data["id"].(float64)
	if id != 2 {
		t.Fatalf("created range = %v", data)
	}
	// The new range is opened after the ack is sent.
	deadline := time.Now().Add(5 * time.Second)
	for env.Session.RangeID() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("session range = %d", env.Session.RangeID())
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = env.SendAndReceive(t, conn, "createRange", map[string]any{"team_id": 1})
	if msg, _ := resp["msg"].(string); msg != "rooms or template_id is required" {
		t.Errorf("msg = %q", msg)
	}
}

func TestCreateRangeReportsOpenFailure(t *testing.T) {
	env := testutil.Setup(t)
	conn := env.DialWS(t)
	env.Login(t, conn)
	env.Backend.Fail("GET /api/ranges/2", 503, "provisioner busy")

	req := map[string]any{
		"team_id": 1,
		"rooms":   []map[string]any{{"name": "box", "image": "nginx:1.27"}},
	}
	resp := env.SendAndReceive(t, conn, "createRange", req)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("createRange failed: %v", resp)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(env.Session.Status().Text, "failed to load range #2") {
		if time.Now().After(deadline) {
			t.Fatalf("status = %+v", env.Session.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := env.Session.Status(); !st.Error || !strings.Contains(st.Text, "provisioner busy") {
		t.Errorf("status = %+v", st)
	}
	if id := env.Session.RangeID(); id != 0 {
		t.Errorf("session range = %d, want 0", id)
	}
}

func TestDestroyRange(t *testing.T) {
	env := testutil.Setup(t)
	openDemo(t, env)
	conn := env.DialWS(t)
	env.Login(t, conn)

	resp := env.SendAndReceive(t, conn, "destroyRange")
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("destroyRange failed: %v", resp)
	}
	v := env.Session.View()
	if v == nil || v.Range.Status != "destroying" {
		t.Errorf("view after destroy = %+v", v)
	}
}

func TestListCatalogRanked(t *testing.T) {
	env := testutil.Setup(t)
	conn := env.DialWS(t)
	env.Login(t, conn)

	resp := env.SendAndReceive(t, conn, "listCatalog")
	imgs, _ := resp["data"].([]any)
	if len(imgs) != 3 {
		t.Fatalf("catalog = %v", resp)
	}
	first, _ := imgs[0].(map[string]any)
	if first["image"] != "ghcr.io/m1k1o/neko/firefox:latest" {
		t.Errorf("first image = %v", first["image"])
	}
	last, _ := imgs[2].(map[string]any)
	if last["image"] != "nginx:1.27" {
		t.Errorf("last image = %v", last["image"])
	}
}

func TestListTemplates(t *testing.T) {
	env := testutil.Setup(t)
	conn := env.DialWS(t)
	env.Login(t, conn)

	resp := env.SendAndReceive(t, conn, "listTemplates")
	tpls, _ := resp["data"].([]any)
	if len(tpls) != 1 {
		t.Fatalf("templates = %v", resp)
	}
}

func TestUnknownEvent(t *testing.T) {
	env := testutil.Setup(t)
	conn := env.DialWS(t)

	resp := env.SendAndReceive(t, conn, "noSuchThing")
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("expected unknown event to fail")
	}
}
