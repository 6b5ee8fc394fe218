package tiktoklive

import (
	"math"
	"strconv"
	"strings"

	"github.com/you/streamweave/internal/platform"
)

// chatPayload reshapes a relay chat frame. User ids arrive numeric from
// the webcast protocol and stay numeric here; normalization coerces them.
func (a *Adapter) chatPayload(data map[string]any) platform.Payload {
	raw := platform.Payload{"user": userOf(data)}
	if s, ok := data["comment"].(string); ok {
		raw["comment"] = s
	}
	a.stampCommon(raw, data)
	return raw
}

// giftPayload reshapes a relay gift frame. The relay sends either a
// ready-made giftDetails block or the webcast gift object; both collapse
// to giftDetails with giftName, diamondCount, and giftType. A boolean
// repeatEnd becomes the numeric flag downstream validation expects.
func (a *Adapter) giftPayload(data map[string]any) platform.Payload {
	raw := platform.Payload{"user": userOf(data)}

	details, _ := data["giftDetails"].(map[string]any)
	if details == nil {
		if gift, ok := data["gift"].(map[string]any); ok {
			details = map[string]any{}
			if name := coerceString(firstOf(gift, "giftName", "name")); name != "" {
				details["giftName"] = name
			}
			if n, ok := asNumber(firstOf(gift, "diamondCount", "diamond_count")); ok {
				details["diamondCount"] = n
			}
			if n, ok := asNumber(firstOf(gift, "giftType", "type")); ok {
				details["giftType"] = n
			}
		}
	}
	if details != nil {
		raw["giftDetails"] = details
	}

	if id := coerceString(data["giftId"]); id != "" {
		raw["giftId"] = id
	}
	if n, ok := asNumber(data["repeatCount"]); ok {
		raw["repeatCount"] = n
	}
	switch end := data["repeatEnd"].(type) {
	case bool:
		if end {
			raw["repeatEnd"] = float64(1)
		} else {
			raw["repeatEnd"] = float64(0)
		}
	default:
		if n, ok := asNumber(end); ok {
			raw["repeatEnd"] = n
		}
	}
	if id := coerceString(data["groupId"]); id != "" {
		raw["groupId"] = id
	}

	a.stampCommon(raw, data)
	return raw
}

func (a *Adapter) memberPayload(data map[string]any) platform.Payload {
	raw := platform.Payload{"user": userOf(data)}
	if level := coerceString(data["subTier"]); level != "" {
		raw["membershipLevel"] = level
	}
	a.stampCommon(raw, data)
	return raw
}

func (a *Adapter) roomUserPayload(data map[string]any) platform.Payload {
	raw := platform.Payload{}
	if n, ok := asNumber(data["viewerCount"]); ok {
		raw["viewerCount"] = n
		a.mu.Lock()
		a.viewers = int(n)
		a.hasRoom = true
		a.mu.Unlock()
	}
	a.stampCommon(raw, data)
	return raw
}

func (a *Adapter) stampCommon(raw platform.Payload, data map[string]any) {
	if ms, ok := asNumber(firstOf(data, "createTime", "timestamp")); ok && ms > 0 {
		raw["timestamp"] = ms
	}
	roomID := coerceString(data["roomId"])
	if roomID == "" {
		roomID = a.RoomID()
	}
	if roomID != "" {
		raw["roomId"] = roomID
	}
}

func userOf(data map[string]any) map[string]any {
	user, _ := data["user"].(map[string]any)
	if user == nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if id, ok := user["userId"]; ok {
		out["userId"] = id
	}
	if unique := coerceString(firstOf(user, "uniqueId", "unique_id")); unique != "" {
		out["uniqueId"] = unique
	}
	if nick := coerceString(firstOf(user, "nickname", "nickName")); nick != "" {
		out["nickname"] = nick
	}
	return out
}

func firstOf(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func coerceString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		if s == math.Trunc(s) && !math.IsInf(s, 0) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return ""
}
