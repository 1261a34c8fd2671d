// Package paramstore loads widget deployment settings from AWS SSM
// Parameter Store. Secrets (the live-chat API token) live here too, so
// everything is fetched with decryption enabled.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter. Consumers should
// depend on this interface rather than the concrete *Client so they
// remain testable without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// Settings is one widget deployment's configuration, assembled from the
// parameters under a common prefix.
type Settings struct {
	// BackendBaseURL is the conversational backend's base URL.
	BackendBaseURL string
	// ContactURL is the fallback contact page opened when the live
	// hand-off is unavailable.
	ContactURL string
	// External marks widgets embedded on third-party sites; it selects
	// the session-id prefix.
	External bool
	// LiveChatBaseURL and LiveChatToken configure the live-agent
	// capability. Both empty means no capability is wired.
	LiveChatBaseURL string
	LiveChatToken   string
	// SettleDelay and MetadataDelay pace the hand-off choreography.
	SettleDelay   time.Duration
	MetadataDelay time.Duration
}

// Parameter names under the prefix. backend_base_url and contact_url
// are required; the rest fall back to zero values.
const (
	paramBackendBaseURL  = "backend_base_url"
	paramContactURL      = "contact_url"
	paramExternal        = "external"
	paramLiveChatBaseURL = "livechat_base_url"
	paramLiveChatToken   = "livechat_token"
	paramSettleDelayMS   = "settle_delay_ms"
	paramMetadataDelayMS = "metadata_delay_ms"
)

// LoadSettings reads one deployment's settings from the parameters
// under prefix (e.g. "/support-widget/prod").
func LoadSettings(ctx context.Context, getter Getter, prefix string) (Settings, error) {
	if getter == nil {
		return Settings{}, errors.New("paramstore: getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return Settings{}, errors.New("paramstore: prefix is required")
	}

	var s Settings
	var err error
	if s.BackendBaseURL, err = getter.GetParameter(ctx, prefix+"/"+paramBackendBaseURL); err != nil {
		return Settings{}, err
	}
	if s.ContactURL, err = getter.GetParameter(ctx, prefix+"/"+paramContactURL); err != nil {
		return Settings{}, err
	}

	if raw, err := getter.GetParameter(ctx, prefix+"/"+paramExternal); err == nil {
		s.External, _ = strconv.ParseBool(strings.TrimSpace(raw))
	}
	s.LiveChatBaseURL, _ = getter.GetParameter(ctx, prefix+"/"+paramLiveChatBaseURL)
	s.LiveChatToken, _ = getter.GetParameter(ctx, prefix+"/"+paramLiveChatToken)
	s.SettleDelay = optionalDelay(ctx, getter, prefix+"/"+paramSettleDelayMS)
	s.MetadataDelay = optionalDelay(ctx, getter, prefix+"/"+paramMetadataDelayMS)
	return s, nil
}

func optionalDelay(ctx context.Context, getter Getter, name string) time.Duration {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return 0
	}
	ms, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
