package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mitchellh/mapstructure"

	"github.com/ethpandaops/director/pkg/config"
)

// postJSON sends body to url. Transport errors and non-2xx responses are
// returned as *HookDeliveryError.
func postJSON(
	ctx context.Context,
	client *http.Client,
	hook config.HookConfig,
	url string,
	body []byte,
	headers map[string]string,
	decorate func(req *http.Request),
) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &HookDeliveryError{HookID: hook.ID, Kind: hook.Kind, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", AppName)

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if decorate != nil {
		decorate(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &HookDeliveryError{HookID: hook.ID, Kind: hook.Kind, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HookDeliveryError{
			HookID:     hook.ID,
			Kind:       hook.Kind,
			StatusCode: resp.StatusCode,
		}
	}

	return nil
}

func marshal(hook config.HookConfig, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, &HookDeliveryError{HookID: hook.ID, Kind: hook.Kind, Err: err}
	}

	return body, nil
}

// decodeOptions decodes the free-form options of a hook into out.
func decodeOptions(hook config.HookConfig, out any) error {
	if len(hook.Options) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("creating options decoder: %w", err)
	}

	if err := decoder.Decode(hook.Options); err != nil {
		return fmt.Errorf("decoding %s hook %s options: %w", hook.Kind, hook.ID, err)
	}

	return nil
}
