package viewercount

import (
	"context"
	"fmt"

	"github.com/you/streamweave/internal/core"
)

// TikTokProvider reads the room user count from the live adapter's room
// info rather than hitting the webcast gateway a second time.
type TikTokProvider struct {
	RoomInfo func(ctx context.Context) (int, error)
}

func (t *TikTokProvider) Platform() core.Platform { return core.PlatformTikTok }

func (t *TikTokProvider) Fetch(ctx context.Context) (int, error) {
	if t.RoomInfo == nil {
		return 0, &ProviderError{Err: fmt.Errorf("no room info source attached")}
	}
	return t.RoomInfo(ctx)
}
