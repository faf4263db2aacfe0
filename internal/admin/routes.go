package admin

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerlink/internal/link"
)

type sendRequest struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
	Ack  bool            `json:"ack"`
}

type resetRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"peer":    s.Peer,
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		snap := s.ctl.Snapshot()
		ready := snap.Activated && snap.Reachable
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":     ready,
			"activated": snap.Activated,
			"reachable": snap.Reachable,
			"uptime":    time.Since(s.Appeared).String(),
			"peer":      s.Peer,
			"version":   version,
		})
	})

	r.GET("/link", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.ctl.Snapshot())
	})

	ops := r.Group("/link", s.requireToken())
	ops.POST("/messages", s.postSend(link.ChannelMessage))
	ops.POST("/binary", s.postSend(link.ChannelBinary))
	ops.POST("/background", s.postSend(link.ChannelBackground))
	ops.POST("/state", s.postSend(link.ChannelState))

	ops.POST("/flush/:channel", func(c *gin.Context) {
		ch, err := link.ParseChannel(c.Param("channel"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var n int
		if msgType := c.Query("type"); msgType != "" {
			if ch != link.ChannelMessage {
				c.JSON(http.StatusBadRequest, gin.H{"error": "type filter applies to the message channel only"})
				return
			}
			n = s.ctl.FlushType(msgType)
		} else {
			n = s.ctl.Flush(ch)
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "channel": ch.String(), "flushed": n})
	})

	ops.POST("/cancel/:channel/:ts", func(c *gin.Context) {
		ch, err := link.ParseChannel(c.Param("channel"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ts, err := strconv.ParseInt(c.Param("ts"), 10, 64)
		if err != nil || ts <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timestamp"})
			return
		}
		if !s.ctl.Cancel(ch, ts) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pending entry with that timestamp"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "channel": ch.String(), "timestamp": ts})
	})

	ops.POST("/reset", func(c *gin.Context) {
		var req resetRequest
		if raw, _ := c.GetRawData(); len(raw) > 0 {
			if err := json.Unmarshal(raw, &req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "admin"
		}
		ts, err := s.ctl.ResetSession(req.Reason, s.logCallbacks(link.ChannelMessage, link.TypeReset))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, link.ErrNotAuthority) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "ok", "timestamp": ts, "epoch": s.ctl.Snapshot().Epoch})
	})
}

func (s *Server) postSend(ch link.Channel) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var req sendRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		body, err := payload(req.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cb := s.logCallbacks(ch, req.Type)

		var ts int64
		switch ch {
		case link.ChannelMessage:
			ts, err = s.ctl.SendMessage(req.Type, body, req.Ack, cb)
		case link.ChannelBinary:
			ts = s.ctl.SendBinary(body, req.Ack, cb)
		case link.ChannelBackground:
			ts = s.ctl.SendBackground(body, req.Ack, cb)
		case link.ChannelState:
			ts = s.ctl.SendState(body, req.Ack, cb)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "channel": ch.String(), "timestamp": ts})
	}
}

// payload converts a request body to link bytes. A JSON string travels as its
// contents; any other JSON value travels as its JSON text.
func payload(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("body required")
	}
	if raw[0] != '"' {
		return []byte(raw), nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, err
	}
	return []byte(text), nil
}

// logCallbacks reports outcomes of operator-initiated sends in the log, since
// the HTTP request has long returned by then.
func (s *Server) logCallbacks(ch link.Channel, msgType string) link.Callbacks {
	return link.Callbacks{
		OnAck: func(ts int64) {
			log.Info().Str("peer", s.Peer).Str("channel", ch.String()).Str("type", msgType).Int64("ts", ts).Msg("admin send acknowledged")
		},
		OnError: func(err error) {
			log.Warn().Str("peer", s.Peer).Str("channel", ch.String()).Str("type", msgType).Err(err).Msg("admin send failed")
		},
	}
}
