// Package drivers holds helpers shared by the record oriented bindings.
package drivers

import (
	"fmt"
	"strings"
	"time"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/model"
)

// Specific settings understood by every record binding.
const (
	SettingTags      = "TAGS"
	SettingBaseTime  = "BASETIME"
	SettingBatch     = "BATCH"
	SettingSeparator = "SEPARATOR"
)

// DefaultSeparator joins nested names in record bindings.
const DefaultSeparator = "_"

// DecodeSettings decodes the driver_settings node of cfg into v. A missing
// node leaves v untouched.
func DecodeSettings(cfg config.ConnectorConfig, v any) error {
	if cfg.DriverSettings == nil {
		return nil
	}
	if err := cfg.DriverSettings.Decode(v); err != nil {
		return fmt.Errorf("connector %s: decode driver_settings: %w", cfg.ID, err)
	}
	return nil
}

// Separator returns the qualifier separator configured for params.
func Separator(params config.Parameter) string {
	if sep, ok := params.SpecificString(SettingSeparator); ok && sep != "" {
		return sep
	}
	return DefaultSeparator
}

// Tags splits the comma separated TAGS setting.
func Tags(params config.Parameter) []string {
	raw, ok := params.SpecificString(SettingTags)
	if !ok {
		return nil
	}
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// Batch returns the BATCH setting, at least 1.
func Batch(params config.Parameter) int {
	n, ok := params.SpecificLong(SettingBatch)
	if !ok || n < 1 {
		return 1
	}
	return int(n)
}

// NewRecordAccess builds the access for a record binding from the common
// specific settings. BASETIME 0 pins the time base to now.
func NewRecordAccess(params config.Parameter, now func() time.Time, opts ...model.RecordOption) *model.RecordAccess {
	base := model.NoTimeBase()
	if ms, ok := params.SpecificLong(SettingBaseTime); ok {
		base = model.NewTimeBase(ms, now)
	}
	all := append([]model.RecordOption{
		model.WithTags(Tags(params)...),
		model.WithTimeBase(base),
	}, opts...)
	return model.NewRecordAccess(Separator(params), params, all...)
}
