package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kode4food/switchyard/internal/dispatch"
	"github.com/kode4food/switchyard/pkg/api"
)

// handleAPI routes /api/* requests to api triggers. The request's trace id
// is taken from the trace header when present and echoed on the response
func (s *Server) handleAPI(c *gin.Context) {
	ctx := c.Request.Context()
	if id := c.GetHeader(TraceHeader); id != "" {
		ctx = api.WithTraceID(ctx, api.SanitizeID(api.TraceID(id)))
	}
	ctx, trace := api.EnsureTraceID(ctx)
	c.Header(TraceHeader, string(trace))

	body, err := readBody(c.Request)
	if err != nil {
		writeError(c, http.StatusBadRequest,
			fmt.Errorf("%w: %w", ErrInvalidJSON, err))
		return
	}

	res, err := s.dispatcher.HandleRequest(ctx, &dispatch.Request{
		Body:    body,
		Query:   firstValues(c.Request.URL.Query()),
		Headers: firstValues(c.Request.Header),
		Method:  c.Request.Method,
		Path:    c.Param("path"),
	})
	if err != nil {
		writeError(c, statusOf(err), err)
		return
	}
	if res == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, res)
}

func readBody(r *http.Request) (any, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return nil, err
	}
	var res any
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func firstValues[T ~map[string][]string](m T) map[string]string {
	if len(m) == 0 {
		return nil
	}
	res := make(map[string]string, len(m))
	for k, v := range m {
		if len(v) > 0 {
			res[strings.ToLower(k)] = v[0]
		}
	}
	return res
}
