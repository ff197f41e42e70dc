package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kode4food/switchyard/internal/deadletter"
	"github.com/kode4food/switchyard/pkg/api"
)

func (s *Server) queueMetrics(c *gin.Context) {
	all := s.queue.AllMetrics()
	res := api.QueueMetricsResponse{
		Topics: make(map[api.Topic]*api.QueueMetrics, len(all)),
	}
	for topic, m := range all {
		res.Topics[topic] = &m
	}
	c.JSON(http.StatusOK, res)
}

// publishEvent admits the request body as the data of an event on the
// path's topic
func (s *Server) publishEvent(c *gin.Context) {
	var ev api.Event
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&ev); err != nil {
			writeError(c, http.StatusBadRequest,
				fmt.Errorf("%w: %w", ErrInvalidJSON, err))
			return
		}
	}
	ev.Topic = api.Topic(c.Param("topic"))
	if ev.TraceID == "" {
		ev.TraceID = api.TraceID(c.GetHeader(TraceHeader))
	}

	res, err := s.dispatcher.Publish(c.Request.Context(), &ev)
	if err != nil {
		writeError(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) listDeadLetters(c *gin.Context) {
	topic := api.Topic(c.Param("topic"))
	sub := c.Param("step")

	letters, err := s.deadLetters.List(c.Request.Context(), topic, sub)
	if err != nil {
		writeError(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, api.DeadLettersResponse{
		Topic:       topic,
		Subscriber:  sub,
		DeadLetters: letters,
		Count:       len(letters),
	})
}

func (s *Server) replayDeadLetters(c *gin.Context) {
	topic := api.Topic(c.Param("topic"))
	sub := c.Param("step")

	n, err := deadletter.Replay(
		c.Request.Context(), s.deadLetters, s.queue, topic, sub,
	)
	if err != nil {
		writeError(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, api.ReplayResponse{Replayed: n})
}

func (s *Server) getStateGroup(c *gin.Context) {
	group := c.Param("group")

	items, err := s.state.Items(c.Request.Context(), group)
	if err != nil {
		writeError(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, api.StateGroupResponse{
		GroupID: group,
		Items:   items,
		Count:   len(items),
	})
}

func (s *Server) queryStateItems(c *gin.Context) {
	var req api.StateItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest,
			fmt.Errorf("%w: %w", ErrInvalidJSON, err))
		return
	}

	items, err := s.state.Items(
		c.Request.Context(), req.GroupID, req.Filters...,
	)
	if err != nil {
		writeError(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, api.StateItemsResponse{
		Items: items,
		Count: len(items),
	})
}

func (s *Server) listLocks(c *gin.Context) {
	ctx := c.Request.Context()
	locks, err := s.locker.Active(ctx)
	if err != nil {
		writeError(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, api.LocksResponse{
		Locks:   locks,
		Healthy: s.locker.Healthy(ctx),
	})
}
