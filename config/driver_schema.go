package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
)

// durationSchema is prepended to every driver schema so it can use #Duration.
const durationSchema = `#Duration: =~"^$|^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
`

var (
	driverSchemaMu sync.RWMutex
	driverSchemas  = make(map[string]cue.Value)
)

// RegisterDriverSchema registers the CUE schema that the driver_settings block
// of every connector using driver has to satisfy.
func RegisterDriverSchema(driver, src string) error {
	driver = strings.TrimSpace(driver)
	if driver == "" {
		return errors.New("driver schema: driver must not be empty")
	}
	if strings.TrimSpace(src) == "" {
		return fmt.Errorf("driver schema %s: source must not be empty", driver)
	}
	ctx, _, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	cueMu.Lock()
	value := ctx.CompileString(durationSchema+src, cue.Filename(driver+".cue"))
	err = value.Err()
	cueMu.Unlock()
	if err != nil {
		return fmt.Errorf("driver schema %s: %w", driver, err)
	}

	driverSchemaMu.Lock()
	defer driverSchemaMu.Unlock()
	if _, exists := driverSchemas[driver]; exists {
		return fmt.Errorf("driver schema %s already registered", driver)
	}
	driverSchemas[driver] = value
	return nil
}

// MustRegisterDriverSchema is RegisterDriverSchema for package initialisation.
func MustRegisterDriverSchema(driver, src string) {
	if err := RegisterDriverSchema(driver, src); err != nil {
		panic(err)
	}
}

// DriverSchemas lists the drivers with a registered schema.
func DriverSchemas() []string {
	driverSchemaMu.RLock()
	defer driverSchemaMu.RUnlock()
	names := make([]string, 0, len(driverSchemas))
	for name := range driverSchemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func driverSchema(driver string) (cue.Value, bool) {
	driverSchemaMu.RLock()
	defer driverSchemaMu.RUnlock()
	v, ok := driverSchemas[driver]
	return v, ok
}

// validateDriverSettings checks driver_settings of the connectors in a raw
// document. Drivers without a schema accept anything. cueMu must be held.
func validateDriverSettings(ctx *cue.Context, raw map[string]interface{}) error {
	list, _ := raw["connectors"].([]interface{})
	var errs []error
	for i, item := range list {
		conn, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		settings, ok := conn["driver_settings"]
		if !ok || settings == nil {
			continue
		}
		driver, _ := conn["driver"].(string)
		schema, ok := driverSchema(driver)
		if !ok {
			continue
		}
		id, _ := conn["id"].(string)
		if id == "" {
			id = fmt.Sprintf("#%d", i)
		}
		data := ctx.Encode(settings)
		if err := data.Err(); err != nil {
			errs = append(errs, fmt.Errorf("connector %s: driver_settings: %w", id, err))
			continue
		}
		if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
			errs = append(errs, fmt.Errorf("connector %s: driver_settings: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
