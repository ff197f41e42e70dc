package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kode4food/switchyard/internal/dispatch"
	"github.com/kode4food/switchyard/pkg/api"
)

var (
	ErrInvalidJSON    = errors.New("invalid JSON request")
	ErrRegisterStep   = errors.New("failed to register step")
	ErrUnregisterStep = errors.New("failed to unregister step")
)

func (s *Server) listSteps(c *gin.Context) {
	steps := s.dispatcher.Registry().Steps()
	c.JSON(http.StatusOK, api.StepsListResponse{
		Steps: steps,
		Count: len(steps),
	})
}

func (s *Server) createStep(c *gin.Context) {
	var step api.Step
	if err := c.ShouldBindJSON(&step); err != nil {
		writeError(c, http.StatusBadRequest,
			fmt.Errorf("%w: %w", ErrInvalidJSON, err))
		return
	}

	err := s.dispatcher.Registry().Register(&step)
	if err == nil {
		c.JSON(http.StatusCreated, api.StepRegisteredResponse{
			Message: "Step registered",
			Step:    &step,
		})
		return
	}

	if api.IsValidation(err) {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	writeError(c, http.StatusInternalServerError,
		fmt.Errorf("%w: %w", ErrRegisterStep, err))
}

func (s *Server) getStep(c *gin.Context) {
	name := api.StepName(c.Param("name"))

	step, ok := s.dispatcher.Registry().Get(name)
	if !ok {
		writeError(c, http.StatusNotFound,
			fmt.Errorf("%w: %s", dispatch.ErrStepNotFound, name))
		return
	}

	c.JSON(http.StatusOK, step)
}

func (s *Server) deleteStep(c *gin.Context) {
	name := api.StepName(c.Param("name"))

	err := s.dispatcher.Registry().Unregister(name)
	if err == nil {
		c.JSON(http.StatusOK, api.MessageResponse{
			Message: "Step unregistered",
		})
		return
	}

	if errors.Is(err, dispatch.ErrStepNotFound) {
		writeError(c, http.StatusNotFound, err)
		return
	}
	writeError(c, http.StatusInternalServerError,
		fmt.Errorf("%w: %w", ErrUnregisterStep, err))
}
