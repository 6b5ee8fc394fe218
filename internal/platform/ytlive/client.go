// Package ytlive is the YouTube live chat transport. It speaks the
// innertube web API the same way a browser tab does: bootstrap the live
// page for an API key and continuation token, then poll get_live_chat and
// hand the renderer payloads downstream in raw form.
package ytlive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/streamweave/internal/platform"
)

// innertubeBase is a var so tests can point the client at a local server.
var innertubeBase = "https://www.youtube.com"

const userAgent = "Mozilla/5.0 (compatible; streamweave/1.0)"

// session holds the innertube credentials for one live chat connection.
// A broken continuation invalidates the whole session and forces a
// re-bootstrap.
type session struct {
	apiKey        string
	clientVersion string
	continuation  string
	videoID       string
}

type client struct {
	http *http.Client
}

func newClient(hc *http.Client) *client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &client{http: hc}
}

// bootstrap fetches the live page and pulls out everything polling needs.
func (c *client) bootstrap(ctx context.Context, liveURL string) (session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, liveURL, nil)
	if err != nil {
		return session{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return session{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return session{}, fmt.Errorf("ytlive: bootstrap status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return session{}, err
	}
	text := string(body)

	s := session{
		apiKey:        extractString(text, `"INNERTUBE_API_KEY":"`),
		clientVersion: extractString(text, `"INNERTUBE_CLIENT_VERSION":"`),
		videoID:       extractString(text, `"videoId":"`),
	}
	if s.apiKey == "" || s.clientVersion == "" {
		return session{}, errors.New("ytlive: could not locate api key or client version")
	}

	var initJSON string
	for _, marker := range []string{
		`ytInitialData"] = `,
		`ytInitialData" = `,
		`ytInitialData":`,
		`ytInitialData = `,
	} {
		if initJSON = extractJSONObject(text, marker); initJSON != "" {
			break
		}
	}
	if initJSON == "" {
		return session{}, errors.New("ytlive: could not locate initial data")
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(initJSON), &data); err != nil {
		return session{}, fmt.Errorf("ytlive: parse initial data: %w", err)
	}

	s.continuation = findInitialContinuation(data)
	if s.continuation == "" {
		return session{}, errors.New("ytlive: continuation not found in initial data")
	}
	return s, nil
}

// poll runs one get_live_chat round trip and maps the response renderers
// to raw payload items.
func (c *client) poll(ctx context.Context, s session) ([]item, string, int, error) {
	endpoint := fmt.Sprintf("%s/youtubei/v1/live_chat/get_live_chat?key=%s",
		innertubeBase, url.QueryEscape(s.apiKey))

	body := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": s.clientVersion,
				"hl":            "en",
			},
		},
		"continuation": s.continuation,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, s.continuation, 1500, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, s.continuation, 1500, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, s.continuation, 1500, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, s.continuation, 1500, fmt.Errorf("ytlive: poll status %s: %s",
			resp.Status, strings.TrimSpace(string(snippet)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, s.continuation, 1500, err
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, s.continuation, 1500, fmt.Errorf("ytlive: decode poll response: %w", err)
	}

	next, timeout := extractContinuation(payload)
	return payloadItems(payload, s.videoID), next, timeout, nil
}

type itemKind int

const (
	chatItem itemKind = iota
	giftItem
	paypiggyItem
)

// item is one renderer mapped to the raw payload shape the aggregator
// normalizes downstream.
type item struct {
	kind itemKind
	raw  platform.Payload
}

// payloadItems walks every action container the API uses and maps the
// renderers it knows about. Unknown renderers are skipped.
func payloadItems(payload map[string]any, videoID string) []item {
	var items []item
	for _, action := range gatherActions(payload) {
		if node := digMap(action, "addChatItemAction", "item"); node != nil {
			if it, ok := rendererItem(node, videoID); ok {
				items = append(items, it)
			}
		}
		appendAction := digMap(action, "appendContinuationItemsAction")
		if appendAction == nil {
			continue
		}
		entries, _ := appendAction["continuationItems"].([]any)
		for _, entry := range entries {
			node, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if nested := digMap(node, "addChatItemAction", "item"); nested != nil {
				node = nested
			}
			if it, ok := rendererItem(node, videoID); ok {
				items = append(items, it)
			}
		}
	}
	return items
}

func gatherActions(payload map[string]any) []map[string]any {
	var out []map[string]any
	collect := func(arr []any) {
		for _, entry := range arr {
			if m, ok := entry.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if arr, ok := payload["actions"].([]any); ok {
		collect(arr)
	}
	if arr, ok := payload["onResponseReceivedActions"].([]any); ok {
		collect(arr)
	}
	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		if arr, ok := lc["actions"].([]any); ok {
			collect(arr)
		}
	}
	return out
}

func rendererItem(node map[string]any, videoID string) (item, bool) {
	if r, ok := node["liveChatTextMessageRenderer"].(map[string]any); ok {
		return item{kind: chatItem, raw: chatPayload(r, videoID)}, true
	}
	if r, ok := node["liveChatPaidMessageRenderer"].(map[string]any); ok {
		return item{kind: giftItem, raw: paidPayload(r, "Super Chat", videoID)}, true
	}
	if r, ok := node["liveChatPaidStickerRenderer"].(map[string]any); ok {
		return item{kind: giftItem, raw: paidPayload(r, "Super Sticker", videoID)}, true
	}
	if r, ok := node["liveChatMembershipItemRenderer"].(map[string]any); ok {
		return item{kind: paypiggyItem, raw: membershipPayload(r, videoID)}, true
	}
	return item{}, false
}

// chatPayload keeps the message as run fragments so downstream text
// assembly preserves whitespace and emoji exactly.
func chatPayload(r map[string]any, videoID string) platform.Payload {
	raw := platform.Payload{
		"author":  authorOf(r),
		"message": runFragments(r, "message"),
	}
	stampCommon(raw, r, videoID)
	return raw
}

func paidPayload(r map[string]any, giftType, videoID string) platform.Payload {
	raw := platform.Payload{
		"author":   authorOf(r),
		"giftType": giftType,
	}
	if frags := runFragments(r, "message"); len(frags) > 0 {
		raw["message"] = frags
	}
	if amount, currency, ok := parsePurchaseAmount(textField(r, "purchaseAmountText")); ok {
		raw["amount"] = amount
		raw["currency"] = currency
	}
	stampCommon(raw, r, videoID)
	return raw
}

func membershipPayload(r map[string]any, videoID string) platform.Payload {
	raw := platform.Payload{"author": authorOf(r)}
	level := textField(r, "headerSubtext")
	if level == "" {
		level = textField(r, "headerPrimaryText")
	}
	if level != "" {
		raw["membershipLevel"] = level
	}
	stampCommon(raw, r, videoID)
	return raw
}

func stampCommon(raw platform.Payload, r map[string]any, videoID string) {
	if id, ok := r["id"].(string); ok && id != "" {
		raw["id"] = id
	}
	if ms, ok := timestampMillis(r); ok {
		raw["timestamp"] = ms
	}
	if videoID != "" {
		raw["videoId"] = videoID
	}
}

func authorOf(r map[string]any) map[string]any {
	author := map[string]any{}
	if id, ok := r["authorExternalChannelId"].(string); ok && id != "" {
		author["channelId"] = id
	}
	if name := textField(r, "authorName"); name != "" {
		author["name"] = name
	}
	return author
}

// runFragments converts a runs array into the fragment list downstream
// text assembly understands: {"text": ...} and {"emoji": ...} maps in
// original order.
func runFragments(r map[string]any, key string) []any {
	nested, ok := r[key].(map[string]any)
	if !ok {
		return nil
	}
	if s, ok := nested["simpleText"].(string); ok && s != "" {
		return []any{map[string]any{"text": s}}
	}
	runs, ok := nested["runs"].([]any)
	if !ok {
		return nil
	}
	var out []any
	for _, run := range runs {
		part, ok := run.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok {
			out = append(out, map[string]any{"text": text})
			continue
		}
		if emoji, ok := part["emoji"].(map[string]any); ok {
			if label := emojiLabel(emoji); label != "" {
				out = append(out, map[string]any{"emoji": label})
			}
		}
	}
	return out
}

// emojiLabel renders an emoji run. Standard emoji carry the glyph as
// their id; custom channel emoji fall back to their first shortcut.
func emojiLabel(emoji map[string]any) string {
	custom, _ := emoji["isCustomEmoji"].(bool)
	id, _ := emoji["emojiId"].(string)
	if !custom && id != "" {
		return id
	}
	if shortcuts, ok := emoji["shortcuts"].([]any); ok && len(shortcuts) > 0 {
		if s, ok := shortcuts[0].(string); ok && s != "" {
			return s
		}
	}
	return id
}

// currencySymbols maps the purchase amount prefixes YouTube renders to
// ISO codes. Unlisted prefixes pass through verbatim.
var currencySymbols = map[string]string{
	"$":   "USD",
	"US$": "USD",
	"CA$": "CAD",
	"A$":  "AUD",
	"NZ$": "NZD",
	"HK$": "HKD",
	"MX$": "MXN",
	"NT$": "TWD",
	"R$":  "BRL",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "JPY",
	"₩":   "KRW",
	"₹":   "INR",
	"₱":   "PHP",
}

// parsePurchaseAmount splits a rendered amount like "$5.00" or
// "PLN 10.99" into its numeric value and a currency code.
func parsePurchaseAmount(s string) (float64, string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "", false
	}

	start := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if start == -1 {
		return 0, "", false
	}
	end := start
	for end < len(s) {
		c := s[end]
		if (c >= '0' && c <= '9') || c == '.' || c == ',' {
			end++
			continue
		}
		break
	}

	amount, err := strconv.ParseFloat(strings.ReplaceAll(s[start:end], ",", ""), 64)
	if err != nil || amount <= 0 {
		return 0, "", false
	}

	symbol := strings.TrimSpace(s[:start])
	if symbol == "" {
		symbol = strings.TrimSpace(s[end:])
	}
	// YouTube pads some symbols with a non-breaking space.
	symbol = strings.Trim(symbol, " ")
	if symbol == "" {
		return 0, "", false
	}
	if code, ok := currencySymbols[symbol]; ok {
		return amount, code, true
	}
	return amount, symbol, true
}

func timestampMillis(r map[string]any) (float64, bool) {
	raw, ok := r["timestampUsec"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case string:
		if usec, err := strconv.ParseInt(v, 10, 64); err == nil && usec > 0 {
			return float64(usec / 1000), true
		}
	case float64:
		if v > 0 {
			return float64(int64(v) / 1000), true
		}
	}
	return 0, false
}

func textField(m map[string]any, key string) string {
	nested, ok := m[key].(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := nested["simpleText"].(string); ok && s != "" {
		return s
	}
	runs, ok := nested["runs"].([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, run := range runs {
		if part, ok := run.(map[string]any); ok {
			if text, ok := part["text"].(string); ok {
				b.WriteString(text)
			}
		}
	}
	return b.String()
}

// extractContinuation walks the response for the next continuation token
// and the server-suggested poll delay.
func extractContinuation(payload map[string]any) (string, int) {
	cont := ""
	timeout := 0

	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case map[string]any:
			if cont == "" {
				if s, ok := val["continuation"].(string); ok && s != "" {
					cont = s
				}
				for _, key := range []string{"continuationEndpoint", "liveChatContinuationEndpoint"} {
					if cmd := digMap(val, key, "continuationCommand"); cmd != nil {
						if s, ok := cmd["token"].(string); ok && s != "" {
							cont = s
						}
					}
				}
			}
			if timeout == 0 {
				if tm, ok := val["timeoutMs"].(float64); ok && tm > 0 {
					timeout = int(tm)
				}
			}
			for _, child := range val {
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		}
	}

	walk(payload)
	return cont, timeout
}

// findInitialContinuation breadth-first searches the initial data for a
// continuation scoped under a live chat node. Unscoped continuations
// belong to other page surfaces and are ignored.
func findInitialContinuation(data map[string]any) string {
	type queueItem struct {
		value      any
		inLiveChat bool
	}

	queue := []queueItem{{value: data}}
	for len(queue) > 0 {
		var next queueItem
		next, queue = queue[0], queue[1:]
		switch v := next.value.(type) {
		case map[string]any:
			scoped := next.inLiveChat || mapHasLiveChatKey(v)
			if scoped {
				if cont := continuationFromNode(v); cont != "" {
					return cont
				}
			}
			for key, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: scoped || isLiveChatKey(key)})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: next.inLiveChat})
			}
		}
	}
	return ""
}

func isLiveChatKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "livechat")
}

func mapHasLiveChatKey(m map[string]any) bool {
	for key := range m {
		if isLiveChatKey(key) {
			return true
		}
	}
	return false
}

func continuationFromNode(node map[string]any) string {
	if arr, ok := node["continuations"].([]any); ok {
		for _, elem := range arr {
			m, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData"} {
				if next := digMap(m, key); next != nil {
					if s, ok := next["continuation"].(string); ok && s != "" {
						return s
					}
				}
			}
		}
	}
	if endpoint := digMap(node, "continuationEndpoint", "continuationCommand"); endpoint != nil {
		if s, ok := endpoint["token"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func extractJSONObject(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	for start < len(text) && (text[start] == ' ' || text[start] == '\n' || text[start] == '\r' || text[start] == '\t') {
		start++
	}
	if start >= len(text) || text[start] != '{' {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func extractString(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	end := strings.Index(text[start:], `"`)
	if end == -1 {
		return ""
	}
	return text[start : start+end]
}

func digMap(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
