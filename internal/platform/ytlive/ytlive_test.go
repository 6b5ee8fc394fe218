package ytlive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/you/streamweave/internal/platform"
)

func rendererFromJSON(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("renderer json: %v", err)
	}
	return m
}

func TestChatPayload(t *testing.T) {
	r := rendererFromJSON(t, `{
		"id": "msg-1",
		"timestampUsec": "1700000000000000",
		"authorExternalChannelId": "UC123",
		"authorName": {"simpleText": "viewer"},
		"message": {"runs": [
			{"text": "gg "},
			{"emoji": {"emojiId": "🎉", "isCustomEmoji": false}},
			{"emoji": {"emojiId": "x", "isCustomEmoji": true, "shortcuts": [":hype:"]}}
		]}
	}`)

	raw := chatPayload(r, "vid-1")
	author, _ := raw["author"].(map[string]any)
	if author["channelId"] != "UC123" || author["name"] != "viewer" {
		t.Fatalf("author = %v", author)
	}
	if raw["id"] != "msg-1" || raw["videoId"] != "vid-1" {
		t.Fatalf("payload = %v", raw)
	}
	if raw["timestamp"] != float64(1_700_000_000_000) {
		t.Fatalf("timestamp = %v", raw["timestamp"])
	}

	frags, _ := raw["message"].([]any)
	if len(frags) != 3 {
		t.Fatalf("fragments = %v", frags)
	}
	if frags[0].(map[string]any)["text"] != "gg " {
		t.Fatalf("text fragment = %v", frags[0])
	}
	if frags[1].(map[string]any)["emoji"] != "🎉" {
		t.Fatalf("emoji fragment = %v", frags[1])
	}
	if frags[2].(map[string]any)["emoji"] != ":hype:" {
		t.Fatalf("custom emoji fragment = %v", frags[2])
	}
}

func TestPaidPayload(t *testing.T) {
	r := rendererFromJSON(t, `{
		"id": "sc-1",
		"authorExternalChannelId": "UC9",
		"authorName": {"simpleText": "patron"},
		"purchaseAmountText": {"simpleText": "$5.00"},
		"message": {"runs": [{"text": "take my money"}]}
	}`)

	raw := paidPayload(r, "Super Chat", "vid-1")
	if raw["giftType"] != "Super Chat" {
		t.Fatalf("giftType = %v", raw["giftType"])
	}
	if raw["amount"] != 5.0 || raw["currency"] != "USD" {
		t.Fatalf("amount = %v %v", raw["amount"], raw["currency"])
	}
	if _, ok := raw["message"]; !ok {
		t.Fatalf("message dropped")
	}

	// A sticker renderer has no message body.
	sticker := rendererFromJSON(t, `{
		"id": "st-1",
		"authorExternalChannelId": "UC9",
		"authorName": {"simpleText": "patron"},
		"purchaseAmountText": {"simpleText": "¥500"}
	}`)
	raw = paidPayload(sticker, "Super Sticker", "vid-1")
	if raw["giftType"] != "Super Sticker" || raw["amount"] != 500.0 || raw["currency"] != "JPY" {
		t.Fatalf("sticker payload = %v", raw)
	}
	if _, ok := raw["message"]; ok {
		t.Fatalf("sticker grew a message: %v", raw["message"])
	}
}

func TestMembershipPayload(t *testing.T) {
	r := rendererFromJSON(t, `{
		"id": "mem-1",
		"authorExternalChannelId": "UC7",
		"authorName": {"simpleText": "member"},
		"headerSubtext": {"runs": [{"text": "Welcome to "}, {"text": "Tier 2"}]}
	}`)
	raw := membershipPayload(r, "vid-1")
	if raw["membershipLevel"] != "Welcome to Tier 2" {
		t.Fatalf("membershipLevel = %v", raw["membershipLevel"])
	}
}

func TestParsePurchaseAmount(t *testing.T) {
	cases := []struct {
		in       string
		amount   float64
		currency string
		ok       bool
	}{
		{"$5.00", 5, "USD", true},
		{"CA$2.00", 2, "CAD", true},
		{"¥500", 500, "JPY", true},
		{"₩1,000", 1000, "KRW", true},
		{"PLN 10.99", 10.99, "PLN", true},
		{"€1.99", 1.99, "EUR", true},
		{"", 0, "", false},
		{"free", 0, "", false},
		{"5.00", 0, "", false},
	}
	for _, tc := range cases {
		amount, currency, ok := parsePurchaseAmount(tc.in)
		if ok != tc.ok || amount != tc.amount || currency != tc.currency {
			t.Fatalf("parsePurchaseAmount(%q) = %v %q %v", tc.in, amount, currency, ok)
		}
	}
}

func TestPayloadItems_ActionForms(t *testing.T) {
	resp := rendererFromJSON(t, `{
		"continuationContents": {"liveChatContinuation": {"actions": [
			{"addChatItemAction": {"item": {"liveChatTextMessageRenderer": {
				"id": "a", "authorName": {"simpleText": "u1"},
				"message": {"runs": [{"text": "one"}]}
			}}}},
			{"appendContinuationItemsAction": {"continuationItems": [
				{"liveChatPaidMessageRenderer": {
					"id": "b", "authorName": {"simpleText": "u2"},
					"purchaseAmountText": {"simpleText": "$1.00"}
				}},
				{"unknownRenderer": {}}
			]}}
		]}}
	}`)

	items := payloadItems(resp, "vid-1")
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	if items[0].kind != chatItem || items[1].kind != giftItem {
		t.Fatalf("kinds = %v %v", items[0].kind, items[1].kind)
	}
	for _, it := range items {
		if it.raw["videoId"] != "vid-1" {
			t.Fatalf("videoId not stamped: %v", it.raw)
		}
	}
}

func TestExtractContinuation(t *testing.T) {
	resp := rendererFromJSON(t, `{
		"continuationContents": {"liveChatContinuation": {"continuations": [
			{"timedContinuationData": {"continuation": "tok-next", "timeoutMs": 7000}}
		]}}
	}`)
	cont, timeout := extractContinuation(resp)
	if cont != "tok-next" || timeout != 7000 {
		t.Fatalf("continuation = %q timeout = %d", cont, timeout)
	}
}

func TestLiveURLFor(t *testing.T) {
	cases := []struct {
		cfg  platform.Config
		want string
	}{
		{platform.Config{Settings: map[string]any{"liveUrl": "https://example.com/page"}}, "https://example.com/page"},
		{platform.Config{Settings: map[string]any{"videoId": "abc123"}}, "https://www.youtube.com/watch?v=abc123"},
		{platform.Config{Channel: "@streamer"}, "https://www.youtube.com/@streamer/live"},
		{platform.Config{Channel: "streamer"}, "https://www.youtube.com/@streamer/live"},
	}
	for _, tc := range cases {
		got, err := liveURLFor(tc.cfg)
		if err != nil || got != tc.want {
			t.Fatalf("liveURLFor(%+v) = %q, %v", tc.cfg, got, err)
		}
	}
	if _, err := liveURLFor(platform.Config{}); err == nil {
		t.Fatalf("empty config accepted")
	}
}

func TestInitialize_PollsAndDispatches(t *testing.T) {
	page := `<html><script>
{"INNERTUBE_API_KEY":"key-1","INNERTUBE_CLIENT_VERSION":"2.2024"}
var ytInitialData = {"contents":{"liveChatRenderer":{"continuations":[{"timedContinuationData":{"continuation":"cont-1"}}]}}};
{"videoId":"vid-1"}
</script></html>`
	pollBody := `{
		"continuationContents": {"liveChatContinuation": {
			"continuations": [{"timedContinuationData": {"continuation": "cont-2", "timeoutMs": 60000}}],
			"actions": [{"addChatItemAction": {"item": {"liveChatTextMessageRenderer": {
				"id": "msg-1",
				"timestampUsec": "1700000000000000",
				"authorExternalChannelId": "UC123",
				"authorName": {"simpleText": "viewer"},
				"message": {"runs": [{"text": "hello"}]}
			}}}}]
		}}
	}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Write([]byte(page))
		case "/youtubei/v1/live_chat/get_live_chat":
			if r.URL.Query().Get("key") != "key-1" {
				t.Errorf("key = %q", r.URL.Query().Get("key"))
			}
			w.Write([]byte(pollBody))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	old := innertubeBase
	innertubeBase = srv.URL
	defer func() { innertubeBase = old }()

	a, err := New(platform.Config{Settings: map[string]any{"liveUrl": srv.URL + "/page"}}, platform.Deps{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	got := make(chan platform.Payload, 1)
	emitted := make(chan platform.Payload, 1)
	a.On("youtube:chat", func(p platform.Payload) {
		select {
		case emitted <- p:
		default:
		}
	})

	err = a.Initialize(context.Background(), platform.Handlers{OnChat: func(p platform.Payload) {
		select {
		case got <- p:
		default:
		}
	}})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer a.Cleanup(context.Background())

	select {
	case raw := <-got:
		author, _ := raw["author"].(map[string]any)
		if author["channelId"] != "UC123" {
			t.Fatalf("payload = %v", raw)
		}
		if raw["videoId"] != "vid-1" {
			t.Fatalf("videoId = %v", raw["videoId"])
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("chat payload never arrived")
	}
	select {
	case <-emitted:
	case <-time.After(5 * time.Second):
		t.Fatalf("emitter never fired")
	}

	if err := a.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := a.Cleanup(context.Background()); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
}

func TestDetector_ReportsLiveStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"videoId":"vid-9","isLiveNow":true}`))
	}))
	defer srv.Close()

	d := &Detector{Target: srv.URL, Interval: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- d.Detect(ctx, func(streamID string) {
			select {
			case got <- streamID:
			default:
			}
		})
	}()

	select {
	case id := <-got:
		if id != "vid-9" {
			t.Fatalf("streamID = %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("detection never fired")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("detect never returned")
	}
}

func TestNormalizeTarget(t *testing.T) {
	cases := []struct{ in, want string }{
		{"@streamer", "https://www.youtube.com/@streamer/live"},
		{"streamer", "https://www.youtube.com/@streamer/live"},
		{"https://example.com/live", "https://example.com/live"},
	}
	for _, tc := range cases {
		got, err := normalizeTarget(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("normalizeTarget(%q) = %q, %v", tc.in, got, err)
		}
	}
	if _, err := normalizeTarget(""); err == nil {
		t.Fatalf("empty target accepted")
	}
}
