package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/agent"
)

// timeNow is swapped in tests for a fixed clock.
var timeNow = time.Now

// currentTimeTool reports the current date and time, optionally converted
// to a requested IANA timezone.
func currentTimeTool() agent.Definition {
	schema := marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name such as Europe/Paris (default: server local time).",
			},
		},
	})

	run := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var input struct {
			Timezone string `json:"timezone"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}

		now := timeNow()
		if zone := strings.TrimSpace(input.Timezone); zone != "" {
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", zone)
			}
			now = now.In(loc)
		}

		zone, _ := now.Zone()
		return json.Marshal(map[string]any{
			"time":     now.Format(time.RFC3339),
			"unix":     now.Unix(),
			"weekday":  now.Weekday().String(),
			"timezone": zone,
		})
	}

	return agent.Auto("current_time", "Report the current date and time, optionally in a given timezone.", schema, run)
}
