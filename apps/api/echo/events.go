package echoapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// eventStream writes server-sent events on the response of a long-lived request.
type eventStream struct {
	res *echo.Response
}

func openEventStream(ctx echo.Context) *eventStream {
	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()
	return &eventStream{res: res}
}

func (s *eventStream) send(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "marshalling %s event", event)
	}
	if _, err = fmt.Fprintf(s.res, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return errors.Wrapf(err, "writing %s event", event)
	}
	s.res.Flush()
	return nil
}

// ping keeps idle connections from being closed by proxies.
func (s *eventStream) ping() error {
	if _, err := fmt.Fprint(s.res, ": ping\n\n"); err != nil {
		return err
	}
	s.res.Flush()
	return nil
}

// kick is a non blocking, coalescing wake up signal.
func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
