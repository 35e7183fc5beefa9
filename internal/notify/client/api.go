package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIClient calls the write endpoints that produce notifications: check-in and SOS.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient creates a client for the API rooted at baseURL.
func NewAPIClient(baseURL, token string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string

	// Set for outside_geofence rejections.
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *APIError) Error() string {
	if e.Code == "outside_geofence" {
		return fmt.Sprintf("%s: you are %.0f m away (limit %.0f m)", e.Code, e.DistanceMeters, e.RadiusMeters)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// CheckInRequest mirrors the check-in body.
type CheckInRequest struct {
	TourID       string   `json:"tour_id"`
	CheckpointID string   `json:"checkpoint_id,omitempty"`
	LocationLat  *float64 `json:"location_lat"`
	LocationLng  *float64 `json:"location_lng"`
	PlaceLat     *float64 `json:"place_lat,omitempty"`
	PlaceLng     *float64 `json:"place_lng,omitempty"`
	Date         string   `json:"date,omitempty"`
	Status       string   `json:"status,omitempty"`
}

// CheckInResult is the accepted check-in.
type CheckInResult struct {
	Record     json.RawMessage `json:"record"`
	Evaluation *struct {
		Accepted       bool    `json:"accepted"`
		DistanceMeters float64 `json:"distance_meters"`
		RadiusMeters   float64 `json:"radius_meters"`
	} `json:"evaluation,omitempty"`
}

// CheckIn posts a check-in. A geofence rejection is returned as *APIError
// with Code "outside_geofence".
func (c *APIClient) CheckIn(ctx context.Context, req CheckInRequest) (*CheckInResult, error) {
	var out CheckInResult
	if err := c.post(ctx, "/api/attendance/checkin", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SOSRequest mirrors the SOS body. Location is "lat,lng".
type SOSRequest struct {
	TourID      string `json:"tour_id"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
}

// SOSResult is the recorded emergency.
type SOSResult struct {
	Incident       json.RawMessage `json:"incident"`
	NotificationID string          `json:"notification_id"`
}

// SOS raises an emergency. idempotencyKey may be empty; when set, retries with
// the same key do not raise a second alert.
func (c *APIClient) SOS(ctx context.Context, req SOSRequest, idempotencyKey string) (*SOSResult, error) {
	var out SOSResult
	if err := c.post(ctx, "/api/incidents/sos", idempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		DistanceMeters float64 `json:"distance_meters"`
		RadiusMeters   float64 `json:"radius_meters"`
	}
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code == "" {
		apiErr.Code = "http_error"
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Code = envelope.Error.Code
	apiErr.Message = envelope.Error.Message
	apiErr.DistanceMeters = envelope.DistanceMeters
	apiErr.RadiusMeters = envelope.RadiusMeters
	return apiErr
}
