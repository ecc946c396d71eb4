package model

import (
	"encoding/json"
	"time"
)

// Response is the standard API response envelope.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// TokenResponse is returned by team registration and token issuance.
type TokenResponse struct {
	Team      string    `json:"team"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Credentials is the body of POST /teams and POST /auth/token.
type Credentials struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// TaskFormat describes the expected shape of a submission's annotation.
type TaskFormat struct {
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// AnnotationSchema is the JSON Schema served by GET /task-format. The server
// only requires annotation to be valid JSON; the schema documents what the
// scorers expect.
var AnnotationSchema = json.RawMessage(`{
  "type": "object",
  "required": ["annotations", "confidence", "processing_time"],
  "properties": {
    "annotations": {
      "type": "object",
      "description": "Annotations for the task; structure depends on the task type",
      "example": {
        "bounding_boxes": [{"x": 100, "y": 100, "width": 50, "height": 50, "class": "object"}],
        "classifications": ["class1", "class2"],
        "segmentation_mask": [[0, 0, 1], [0, 1, 0]]
      }
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "processing_time": {"type": "number", "exclusiveMinimum": 0, "description": "seconds"},
    "metadata": {"type": "object"}
  }
}`)
