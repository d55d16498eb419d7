package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/zyra-ai-sei/sdk-backend/internal/conversation"
)

// sseSink writes frames as server-sent events. Token and tool frames go out
// as plain data events; end and error frames use named events.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSESink(w http.ResponseWriter) *sseSink {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	s := &sseSink{w: w, rc: http.NewResponseController(w)}
	s.rc.Flush()
	return s
}

func (s *sseSink) Send(f conversation.Frame) error {
	var err error
	switch f.Type {
	case conversation.FrameEnd:
		_, err = fmt.Fprint(s.w, "event: end\ndata: {}\n\n")
	case conversation.FrameError:
		data, _ := json.Marshal(map[string]string{"message": f.Message})
		_, err = fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", data)
	default:
		data, merr := json.Marshal(f)
		if merr != nil {
			return fmt.Errorf("encode frame: %w", merr)
		}
		_, err = fmt.Fprintf(s.w, "data: %s\n\n", data)
	}
	if err != nil {
		return err
	}
	return s.rc.Flush()
}
