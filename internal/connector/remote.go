package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"deriflow/logger"
	"deriflow/models"
)

// RemoteClient sends one-shot JSON-RPC requests over HTTP. It is the
// transport the session manager authenticates through and the fallback for
// venue calls when the streaming connection is down.
type RemoteClient struct {
	baseURL string
	client  *http.Client
	log     *logger.Log
}

func NewRemoteClient(baseURL string, timeout time.Duration) *RemoteClient {
	return &RemoteClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     logger.GetLogger(),
	}
}

// Call posts a single JSON-RPC request and returns the parsed response. A
// non-empty token is attached as a bearer credential. Transport and parse
// failures are logged and returned as an empty response; callers distinguish
// them through RPCResponse.IsEmpty.
func (c *RemoteClient) Call(ctx context.Context, method string, params interface{}, token string) models.RPCResponse {
	log := c.log.WithComponent("connector").WithFields(logger.Fields{"method": method})

	envelope := models.RPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		log.WithError(err).Error("failed to encode request")
		return models.RPCResponse{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Error("failed to build request")
		return models.RPCResponse{}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.WithError(err).Error("request failed")
		return models.RPCResponse{}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.WithError(err).Error("failed to read response body")
		return models.RPCResponse{}
	}

	var parsed models.RPCResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		log.WithError(err).WithFields(logger.Fields{"status": resp.StatusCode}).Error("failed to parse response")
		return models.RPCResponse{}
	}
	if parsed.Error != nil {
		log.WithFields(logger.Fields{
			"code":  parsed.Error.Code,
			"error": parsed.ErrorMessage(),
		}).Warn("venue returned error")
	}
	return parsed
}
