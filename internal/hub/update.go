package hub

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleethub/internal/wire"
)

// UpdateHandler delivers a hub-initiated update command to a specific
// agent's sink. Delivery is best-effort and non-blocking; the admin sees
// success as soon as the frame is enqueued.
type UpdateHandler struct {
	registry *Registry
}

func NewUpdateHandler(registry *Registry) *UpdateHandler {
	return &UpdateHandler{registry: registry}
}

// SendUpdate enqueues an update command for serverID, mirroring the
// non-blocking select{...default:} idiom used elsewhere in this codebase
// for per-agent sink delivery.
func (u *UpdateHandler) SendUpdate(serverID string, req wire.UpdateRequest) wire.UpdateResponse {
	sink, ok := u.registry.LookupSink(serverID)
	if !ok {
		return wire.UpdateResponse{Success: false, Message: "Agent is not connected"}
	}

	frame := wire.CommandFrame{
		Type:        "command",
		Command:     "update",
		DownloadURL: req.DownloadURL,
		Force:       req.Force,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[update] marshal failed: %v", err)
		return wire.UpdateResponse{Success: false, Message: "Failed to send update command"}
	}

	select {
	case sink <- data:
		return wire.UpdateResponse{Success: true}
	default:
		return wire.UpdateResponse{Success: false, Message: "Failed to send update command"}
	}
}

// Handle is the gin handler for POST /api/servers/:id/update.
func (u *UpdateHandler) Handle(c *gin.Context) {
	serverID := c.Param("id")
	var req wire.UpdateRequest
	// An empty body is valid: download_url is optional.
	_ = c.ShouldBindJSON(&req)

	// Failures surface as {success:false,...} in a 200 body, not an HTTP
	// error: a disconnected agent is an expected condition.
	c.JSON(http.StatusOK, u.SendUpdate(serverID, req))
}
