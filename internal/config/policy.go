package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/mbd888/guildgate/internal/admission"
	"github.com/mbd888/guildgate/internal/antiraid"
	"github.com/mbd888/guildgate/internal/arbitration"
	"github.com/mbd888/guildgate/internal/banregistry"
	"github.com/mbd888/guildgate/internal/correlation"
	"github.com/mbd888/guildgate/internal/decision"
	"github.com/mbd888/guildgate/internal/maintenance"
	"github.com/mbd888/guildgate/internal/ratelimit"
	"github.com/mbd888/guildgate/internal/reputation"
	"github.com/mbd888/guildgate/internal/risk"
)

// EnvPrefix prefixes policy overrides, e.g. GUILDGATE_THRESHOLDS_DENY=90.
const EnvPrefix = "GUILDGATE"

// Policy is every tunable threshold, weight, window and duration.
type Policy struct {
	Risk        risk.Config              `mapstructure:"risk"`
	Thresholds  decision.Thresholds      `mapstructure:"thresholds"`
	Correlation correlation.Config       `mapstructure:"correlation"`
	Attempts    ratelimit.AttemptConfig  `mapstructure:"attempts"`
	Raid        antiraid.Config          `mapstructure:"raid"`
	Admission   admission.Config         `mapstructure:"admission"`
	Maintenance maintenance.Config       `mapstructure:"maintenance"`
	Trust       reputation.TrustDeltas   `mapstructure:"trust"`
	Reputation  reputation.Weights       `mapstructure:"reputation"`
	Registries  []banregistry.HTTPConfig `mapstructure:"registries"`
	Arbitration arbitration.Config       `mapstructure:"arbitration"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Risk:        risk.DefaultConfig(),
		Thresholds:  decision.DefaultThresholds(),
		Correlation: correlation.DefaultConfig(),
		Attempts:    ratelimit.DefaultAttemptConfig(),
		Raid:        antiraid.DefaultConfig(),
		Admission:   admission.DefaultConfig(),
		Maintenance: maintenance.DefaultConfig(),
		Trust:       reputation.DefaultTrustDeltas(),
		Reputation:  reputation.DefaultWeights,
	}
}

// LoadPolicy reads path (YAML, TOML or JSON by extension) over the defaults,
// then applies GUILDGATE_* environment overrides. An empty path uses defaults
// plus environment.
func LoadPolicy(path string) (*Policy, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnv(v, reflect.TypeOf(Policy{}), "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
	}

	p := DefaultPolicy()
	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks cross-field constraints.
func (p *Policy) Validate() error {
	var errs []error
	if err := p.Risk.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Raid.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Admission.Validate(); err != nil {
		errs = append(errs, err)
	}
	if p.Attempts.MaxAttempts <= 0 || p.Attempts.Window <= 0 {
		errs = append(errs, errors.New("attempts: window and max_attempts must be positive"))
	}
	w := p.Reputation
	if sum := w.Trust + w.Activity + w.Tenure + w.Conduct; sum < 0.999 || sum > 1.001 {
		errs = append(errs, fmt.Errorf("reputation: weights sum to %.4f, want 1.0", sum))
	}
	for i, r := range p.Registries {
		if r.Name == "" || r.BaseURL == "" {
			errs = append(errs, fmt.Errorf("registries[%d]: name and base_url are required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid policy: %w", errors.Join(errs...))
	}
	return nil
}

// bindEnv registers every leaf key so AutomaticEnv-style overrides reach
// Unmarshal. Viper only consults the environment for keys it knows about.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct && f.Type.String() != "time.Time" {
			bindEnv(v, f.Type, key)
			continue
		}
		if f.Type.Kind() == reflect.Slice && f.Type.Elem().Kind() == reflect.Struct {
			continue
		}
		_ = v.BindEnv(key)
	}
}
