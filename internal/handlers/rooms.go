package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/proximity-chat/internal/middleware"
	"github.com/mossy-p/proximity-chat/internal/models"
)

func (h *Hub) roomInfo(room string) models.RoomInfo {
	participants := h.store.Snapshot(room)
	return models.RoomInfo{
		ID:           room,
		PlayerCount:  len(participants),
		Participants: participants,
	}
}

// ListRooms returns every room that has been joined since startup.
func ListRooms(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		rooms := h.store.Rooms()
		out := make([]models.RoomInfo, 0, len(rooms))
		for _, id := range rooms {
			out = append(out, h.roomInfo(id))
		}
		c.JSON(http.StatusOK, out)
	}
}

// GetRoom returns the participants and positions of one room.
func GetRoom(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		room := c.Param("roomId")
		if !h.store.HasRoom(room) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		c.JSON(http.StatusOK, h.roomInfo(room))
	}
}

// DeleteRoom disconnects everybody in a room. Requires an operator token.
func DeleteRoom(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		room := c.Param("roomId")
		if !h.store.HasRoom(room) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}

		n := h.Evict(room)
		log.Info().Str("module", "api").Str("room", room).Str("operator", c.GetString(middleware.OperatorKey)).Int("evicted", n).Msg("room closed")

		c.JSON(http.StatusOK, gin.H{"message": "Room closed", "evicted": n})
	}
}
