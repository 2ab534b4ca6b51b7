package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/handler"
)

// maxResponseBytes bounds how much of a response body a node will buffer.
const maxResponseBytes = 10 << 20

// HTTPHandler performs an HTTP request. Auth material comes from a bound
// credential reference; secret values never appear in the node output.
type HTTPHandler struct {
	client *http.Client
}

// NewHTTPHandler creates the handler; a nil client uses http.DefaultClient.
// Per-attempt deadlines come from the request context, so the client itself
// carries no timeout.
func NewHTTPHandler(client *http.Client) *HTTPHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPHandler{client: client}
}

func (h *HTTPHandler) Fields() []handler.FieldSpec {
	return []handler.FieldSpec{
		{Name: "url", Type: handler.FieldString, Required: true},
		{Name: "method", Type: handler.FieldSelect, Required: false,
			Options: []string{"GET", "POST", "PUT", "PATCH", "DELETE"}},
		{Name: "credential", Type: handler.FieldSecretRef, Required: false, Secret: true},
	}
}

func (h *HTTPHandler) Credentials() []string {
	return []string{credential.TypeAPIKey, credential.TypeBearerToken, credential.TypeBasicAuth}
}

func (h *HTTPHandler) Outputs() []string {
	return []string{handler.HandleDefault, handler.HandleError}
}

func (h *HTTPHandler) Execute(ctx context.Context, in *handler.Input) (*handler.Result, error) {
	url, _ := configString(in.Config, "url")
	method, ok := configString(in.Config, "method")
	if !ok {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, present := in.Config["body"]; present && raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return handler.Fail(handler.ErrPermanent, fmt.Sprintf("build request: %v", err)), nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := in.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if err := h.applyCredential(in, req); err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return handler.Fail(handler.ErrRetryable, fmt.Sprintf("request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return handler.Fail(handler.ErrRetryable, fmt.Sprintf("read response: %v", err)), nil
	}

	data := map[string]any{
		"status_code": resp.StatusCode,
	}
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		data["body"] = parsed
		if m, ok := parsed.(map[string]any); ok {
			for k, v := range m {
				if _, taken := data[k]; !taken {
					data[k] = v
				}
			}
		}
	} else {
		data["body"] = string(raw)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &handler.Result{
			Data:   data,
			Handle: handler.HandleError,
			Err:    &handler.NodeError{Kind: handler.ErrRetryable, Message: fmt.Sprintf("upstream returned %d", resp.StatusCode)},
		}, nil
	}
	if resp.StatusCode >= 400 {
		return &handler.Result{
			Data:   data,
			Handle: handler.HandleError,
			Err:    &handler.NodeError{Kind: handler.ErrPermanent, Message: fmt.Sprintf("upstream returned %d", resp.StatusCode)},
		}, nil
	}
	return handler.OK(data), nil
}

func (h *HTTPHandler) applyCredential(in *handler.Input, req *http.Request) error {
	ref, ok := configString(in.Config, "credential")
	if !ok || ref == "" {
		return nil
	}
	cred, err := in.State.Credential(ref)
	if err != nil {
		return err
	}
	switch cred.Type {
	case credential.TypeBearerToken:
		req.Header.Set("Authorization", "Bearer "+cred.Data["token"])
	case credential.TypeAPIKey:
		header := cred.Data["header"]
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, cred.Data["key"])
	case credential.TypeBasicAuth:
		req.SetBasicAuth(cred.Data["username"], cred.Data["password"])
	default:
		return fmt.Errorf("http node cannot apply credential type %q", cred.Type)
	}
	return nil
}
