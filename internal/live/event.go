// Package live carries field updates from committed transactions to rendered
// session tables: the wire event, the per-session hub, the websocket and
// Redis transports, and the matcher that patches tagged cells.
package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/bytedance/sonic"

	"ajiaco/pkg/domain"
)

// ErrMalformedEvent marks events missing their model, id or fields.
var ErrMalformedEvent = errors.New("malformed live event")

// codec keeps numbers as json.Number so integral values render without a
// trailing exponent or fraction.
var codec = sonic.Config{UseNumber: true, EscapeHTML: true}.Froze()

// Event is one update message: the changed fields of one record.
type Event struct {
	Seq     uint64            `json:"seq,omitempty"`
	Model   domain.EntityType `json:"model"`
	ModelID int64             `json:"model_id"`
	Fields  map[string]any    `json:"fields"`
}

// Validate reports whether the event can address a cell.
func (e Event) Validate() error {
	switch {
	case e.Model == "":
		return fmt.Errorf("%w: model required", ErrMalformedEvent)
	case e.ModelID <= 0:
		return fmt.Errorf("%w: model_id required", ErrMalformedEvent)
	case len(e.Fields) == 0:
		return fmt.Errorf("%w: fields required", ErrMalformedEvent)
	}
	return nil
}

// Encode serialises the event as one JSON object.
func Encode(e Event) ([]byte, error) {
	return codec.Marshal(e)
}

type wireEvent struct {
	Seq     uint64         `json:"seq"`
	Model   string         `json:"model"`
	ModelID any            `json:"model_id"`
	Fields  map[string]any `json:"fields"`
}

// Decode parses one JSON message. Ids may arrive as numbers or numeric
// strings. A syntactically valid message lacking required parts is returned
// with an ErrMalformedEvent error.
func Decode(data []byte) (Event, error) {
	var raw wireEvent
	if err := codec.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode live event: %w", err)
	}
	ev := Event{Seq: raw.Seq, Model: domain.EntityType(raw.Model), Fields: raw.Fields}
	id, ok := parseID(raw.ModelID)
	if ok {
		ev.ModelID = id
	}
	return ev, ev.Validate()
}

func parseID(v any) (int64, bool) {
	switch id := v.(type) {
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	case float64:
		if id != math.Trunc(id) {
			return 0, false
		}
		return int64(id), true
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
