package queue

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Process decodes a Request, runs it through the queue and builds the Reply.
// Message consumers share it so they answer identically.
func (m *Manager) Process(ctx context.Context, data []byte) Reply {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Reply{Error: "invalid request: " + err.Error()}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RepeatCount == 0 {
		req.RepeatCount = 1
	}

	res, err := m.Run(ctx, req.ID, req.Submission)
	if err != nil {
		return Reply{ID: req.ID, Error: err.Error()}
	}
	return Reply{ID: req.ID, Result: &res}
}
