// Package config loads CLI settings from HCL files.
//
// A file may contain any of these blocks, each at most once:
//
//	broker {
//	  url          = "wss://chat.example.com/ws"
//	  dial_timeout = "10s"
//	  heartbeat    = "20s"
//	}
//
//	reconnect {
//	  delay        = "5s"
//	  max_attempts = -1
//	}
//
//	identity {
//	  user_id = "u-1"
//	  role    = "member"
//	  email   = "u1@example.com"
//	}
//
//	notifications {
//	  token = env.SOCIALRT_TOKEN
//	}
//
// Expressions may refer to environment variables through the env object.
// When several sources are given, later ones override earlier ones field by
// field.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/socialrt/pkg/socialrt"
	"github.com/tsarna/socialrt/pkg/socialrt/broker"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
}

// Config is the merged result of every source.
type Config struct {
	URL         string
	DialTimeout time.Duration
	HeartBeat   time.Duration
	Reconnect   broker.ReconnectPolicy
	Identity    socialrt.Identity
	Token       string
}

type fileContent struct {
	Broker        *brokerBlock        `hcl:"broker,block"`
	Reconnect     *reconnectBlock     `hcl:"reconnect,block"`
	Identity      *identityBlock      `hcl:"identity,block"`
	Notifications *notificationsBlock `hcl:"notifications,block"`
}

type brokerBlock struct {
	URL         string `hcl:"url,optional"`
	DialTimeout string `hcl:"dial_timeout,optional"`
	HeartBeat   string `hcl:"heartbeat,optional"`
}

type reconnectBlock struct {
	Delay       string `hcl:"delay,optional"`
	MaxAttempts *int   `hcl:"max_attempts,optional"`
}

type identityBlock struct {
	UserID string `hcl:"user_id,optional"`
	Role   string `hcl:"role,optional"`
	Email  string `hcl:"email,optional"`
}

type notificationsBlock struct {
	Token string `hcl:"token,optional"`
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		logger:  zap.NewNop(),
		sources: make([]any, 0),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	if logger != nil {
		cb.logger = logger
	}
	return cb
}

// WithSources adds file or directory paths (string) or HCL text ([]byte).
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	config := &Config{
		Reconnect: broker.DefaultReconnectPolicy(),
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": GetEnvObject(),
		},
	}

	for _, body := range bodies {
		var content fileContent
		diags = diags.Extend(gohcl.DecodeBody(body, evalCtx, &content))
		if diags.HasErrors() {
			return nil, diags
		}
		diags = diags.Extend(config.apply(&content))
	}

	if diags.HasErrors() {
		return nil, diags
	}

	cb.logger.Debug("Config built successfully", zap.Int("sources", len(bodies)))

	return config, diags
}

func (c *Config) apply(content *fileContent) hcl.Diagnostics {
	var diags hcl.Diagnostics

	if b := content.Broker; b != nil {
		if b.URL != "" {
			c.URL = b.URL
		}
		diags = diags.Extend(setDuration(&c.DialTimeout, "broker", "dial_timeout", b.DialTimeout))
		diags = diags.Extend(setDuration(&c.HeartBeat, "broker", "heartbeat", b.HeartBeat))
	}

	if r := content.Reconnect; r != nil {
		diags = diags.Extend(setDuration(&c.Reconnect.Delay, "reconnect", "delay", r.Delay))
		if r.MaxAttempts != nil {
			c.Reconnect.MaxAttempts = *r.MaxAttempts
		}
	}

	if i := content.Identity; i != nil {
		setString(&c.Identity.UserID, i.UserID)
		setString(&c.Identity.Role, i.Role)
		setString(&c.Identity.Email, i.Email)
	}

	if n := content.Notifications; n != nil {
		setString(&c.Token, n.Token)
	}

	return diags
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, block, attr, value string) hcl.Diagnostics {
	if value == "" {
		return nil
	}

	d, err := time.ParseDuration(value)
	if err == nil && d < 0 {
		err = fmt.Errorf("must not be negative")
	}
	if err != nil {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid duration",
			Detail:   fmt.Sprintf("%s.%s: %q: %s", block, attr, value, err),
		}}
	}

	*dst = d
	return nil
}
