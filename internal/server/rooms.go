package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/room"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (h *httpHandler) handleConnect(c *gin.Context) {
	roomID, err := room.NewRoomID(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	rawSessionID := c.Query("sessionId")
	if rawSessionID == "" {
		rawSessionID = uuid.NewString()
	}
	sessionID, err := room.NewSessionID(rawSessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		h.logger.Info("websocket upgrade failed", zap.String("room_id", roomID.String()), zap.Error(err))
		return
	}
	userID := c.GetString(userIDContextKey)
	err = h.registry.Connect(c.Request.Context(), room.ConnectRequest{
		RoomID:    roomID,
		SessionID: sessionID,
		UserID:    userID,
		Socket:    newWebsocketSocket(conn),
	})
	if err != nil && !errors.Is(err, room.ErrRegistryClosed) {
		h.logger.Warn("room connection ended with error",
			zap.String("room_id", roomID.String()),
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
	}
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.registry.Rooms()})
}

func (h *httpHandler) handleRoomSnapshot(c *gin.Context) {
	roomID, err := room.NewRoomID(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	snapshot, found, err := h.registry.Snapshot(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Error("failed to read room snapshot", zap.String("room_id", roomID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type recordsQuery struct {
	Type  string  `form:"type" binding:"required"`
	Path  string  `form:"path" binding:"required"`
	Value *string `form:"value"`
}

// handleRoomRecords answers indexed lookups on a live room: records whose
// property at path equals value, or the distinct values at path (keyed by
// their JSON text) when no value is given.
func (h *httpHandler) handleRoomRecords(c *gin.Context) {
	roomID, err := room.NewRoomID(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	var query recordsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	live, ok := h.registry.Lookup(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_live"})
		return
	}
	store := live.Store()
	if query.Value == nil {
		c.JSON(http.StatusOK, gin.H{"epoch": store.Epoch(), "values": store.Distinct(query.Type, query.Path)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"epoch": store.Epoch(), "records": store.Query(query.Type, query.Path, queryValue(*query.Value))})
}

// queryValue reads a query value as JSON so value=1 matches the number and
// value="1" the string. Text that is not JSON matches as a plain string.
func queryValue(raw string) any {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	return decoded
}
