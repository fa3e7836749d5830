package controller

import (
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"replypilot/services/launch"
	"replypilot/utils"
)

// ProgressHub fans launch progress out to websocket subscribers of the
// campaign. Slow subscribers drop updates instead of blocking the launch.
type ProgressHub struct {
	mu     sync.Mutex
	subs   map[uint]map[chan launch.Progress]struct{}
	buffer int
	log    *logrus.Entry
}

func NewProgressHub(log *logrus.Entry) *ProgressHub {
	return &ProgressHub{
		subs:   make(map[uint]map[chan launch.Progress]struct{}),
		buffer: 64,
		log:    log,
	}
}

func (h *ProgressHub) Report(p launch.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[p.CampaignID] {
		select {
		case ch <- p:
		default:
			h.log.WithField("campaign_id", p.CampaignID).Debug("Dropping progress update for slow subscriber")
		}
	}
}

// Subscribe returns a channel of updates for one campaign and a cancel func.
func (h *ProgressHub) Subscribe(campaignID uint) (<-chan launch.Progress, func()) {
	ch := make(chan launch.Progress, h.buffer)
	h.mu.Lock()
	if h.subs[campaignID] == nil {
		h.subs[campaignID] = make(map[chan launch.Progress]struct{})
	}
	h.subs[campaignID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[campaignID], ch)
			if len(h.subs[campaignID]) == 0 {
				delete(h.subs, campaignID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// RequireUpgrade rejects plain HTTP requests on the progress route.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleCampaignProgressWS streams launch progress until the launch
// reports its last prospect or the client goes away.
func (h *ProgressHub) HandleCampaignProgressWS(c *websocket.Conn) {
	defer c.Close()

	campaignID, err := parseID(c.Params("id"))
	if err != nil {
		_ = c.WriteJSON(fiber.Map{"error": ErrInvalidID})
		return
	}

	updates, cancel := h.Subscribe(campaignID)
	defer cancel()

	// Reader detects client disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case p := <-updates:
			if err := c.WriteJSON(p); err != nil {
				utils.LogError("progress_ws_write_failed", err, map[string]interface{}{"campaign_id": campaignID})
				return
			}
			if p.Total > 0 && p.Done >= p.Total {
				return
			}
		}
	}
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fiber.ErrBadRequest
	}
	return uint(id), nil
}
