package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/watchparty/internal/app"
	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type roomHandlers struct {
	store    core.RoomStore
	registry *app.Registry
}

type RoomResponse struct {
	RoomID      domain.RoomID `json:"roomId"`
	VideoURL    string        `json:"videoUrl,omitempty"`
	ContentRef  string        `json:"contentRef,omitempty"`
	CurrentTime float64       `json:"currentTime"`
	IsPlaying   bool          `json:"isPlaying"`
	Size        int           `json:"size"`
	CreatedAt   time.Time     `json:"createdAt"`
}

func (h *roomHandlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.registry.Len()})
}

// create hands out a fresh room id. The room itself appears on first join.
func (h *roomHandlers) create(c *gin.Context) {
	c.JSON(http.StatusCreated, gin.H{"roomId": domain.NewRoomID()})
}

func (h *roomHandlers) load(c *gin.Context) (*domain.Room, bool) {
	id, err := domain.ParseRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	room, err := h.store.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room", string(id)).Msg("load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, false
	}
	return room, true
}

func (h *roomHandlers) get(c *gin.Context) {
	room, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, RoomResponse{
		RoomID:      room.ID,
		VideoURL:    room.VideoURL,
		ContentRef:  room.ContentRef,
		CurrentTime: room.CurrentTime,
		IsPlaying:   room.IsPlaying,
		Size:        len(room.Members),
		CreatedAt:   room.CreatedAt,
	})
}

func (h *roomHandlers) members(c *gin.Context) {
	room, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": room.Views()})
}
