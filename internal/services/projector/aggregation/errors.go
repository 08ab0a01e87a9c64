package aggregation

import (
	"fmt"

	apperrors "github.com/louisbranch/projectiond/internal/platform/errors"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
)

// HandlerError attributes a handler failure to one event of one projection.
type HandlerError struct {
	Projection string
	Seq        uint64
	Type       event.Type
	StreamID   string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("projection %s handler for %s failed at seq %d (stream %s): %v",
		e.Projection, e.Type, e.Seq, e.StreamID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func handlerError(projection string, evt event.Event, err error) error {
	herr := &HandlerError{
		Projection: projection,
		Seq:        evt.Seq,
		Type:       evt.Type,
		StreamID:   evt.StreamID,
		Err:        err,
	}
	return apperrors.WrapWithMetadata(apperrors.CodeProjectionHandler, "apply event", map[string]string{
		"projection": projection,
		"seq":        fmt.Sprintf("%d", evt.Seq),
		"type":       string(evt.Type),
		"stream_id":  evt.StreamID,
	}, herr)
}

func configError(projection, format string, args ...any) error {
	return apperrors.New(apperrors.CodeProjectionConfig,
		fmt.Sprintf("projection %s: %s", projection, fmt.Sprintf(format, args...)))
}
