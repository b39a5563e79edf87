package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EnqueuePath is the worker endpoint accepting task submissions.
const EnqueuePath = "/internal/tasks"

// EnqueueRequest is the wire form of a task submission.
type EnqueueRequest struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
}

// EnqueueResponse carries the queue task id, or an error code on failure.
type EnqueueResponse struct {
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HTTPQueue submits tasks to a remote worker over HTTP. It implements
// TaskQueue so orchestration code cannot tell it from the in-process pool.
type HTTPQueue struct {
	baseURL string
	client  *http.Client
}

func NewHTTPQueue(baseURL string) (*HTTPQueue, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("worker base url is required")
	}
	return &HTTPQueue{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (q *HTTPQueue) Enqueue(ctx context.Context, taskName string, payload map[string]any) (string, error) {
	body, err := json.Marshal(EnqueueRequest{Name: taskName, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+EnqueuePath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	defer resp.Body.Close()

	var decoded EnqueueResponse
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read enqueue response: %w", err)
	}
	_ = json.Unmarshal(data, &decoded)

	switch resp.StatusCode {
	case http.StatusAccepted:
		if decoded.TaskID == "" {
			return "", errors.New("worker accepted task without an id")
		}
		return decoded.TaskID, nil
	case http.StatusNotFound:
		return "", UnknownTaskError(taskName)
	case http.StatusServiceUnavailable:
		if decoded.Error == "queue_closed" {
			return "", ErrQueueClosed
		}
		return "", ErrQueueFull
	default:
		return "", fmt.Errorf("worker returned %d: %s", resp.StatusCode, decoded.Error)
	}
}

// EnqueueHandler exposes a pool over HTTP, the worker-side counterpart of
// HTTPQueue.
func EnqueueHandler(pool *Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnqueueRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&req); err != nil {
			writeEnqueueResponse(w, http.StatusBadRequest, EnqueueResponse{Error: "bad_request"})
			return
		}
		taskID, err := pool.Enqueue(r.Context(), req.Name, req.Payload)
		switch {
		case err == nil:
			writeEnqueueResponse(w, http.StatusAccepted, EnqueueResponse{TaskID: taskID})
		case errors.Is(err, ErrUnknownTask):
			writeEnqueueResponse(w, http.StatusNotFound, EnqueueResponse{Error: "unknown_task"})
		case errors.Is(err, ErrQueueClosed):
			writeEnqueueResponse(w, http.StatusServiceUnavailable, EnqueueResponse{Error: "queue_closed"})
		case errors.Is(err, ErrQueueFull):
			writeEnqueueResponse(w, http.StatusServiceUnavailable, EnqueueResponse{Error: "queue_full"})
		default:
			writeEnqueueResponse(w, http.StatusInternalServerError, EnqueueResponse{Error: "internal_error"})
		}
	}
}

func writeEnqueueResponse(w http.ResponseWriter, status int, body EnqueueResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
