package plugin

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/xeipuuv/gojsonschema"
)

// providerTypeRegex validates provider type keys (lowercase alphanumeric with hyphens, dots or underscores)
var providerTypeRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Define validates a plugin definition. Bad plugins fail here, before they can
// reach a registry.
func Define(p Plugin) (Plugin, error) {
	if p.Metadata.Type == "" {
		return Plugin{}, fmt.Errorf("%w: metadata.type is required", ErrInvalidPlugin)
	}
	if !providerTypeRegex.MatchString(p.Metadata.Type) {
		return Plugin{}, fmt.Errorf("%w: invalid type format: %s", ErrInvalidPlugin, p.Metadata.Type)
	}
	if p.Metadata.Name == "" {
		return Plugin{}, fmt.Errorf("%w: metadata.name is required for %s", ErrInvalidPlugin, p.Metadata.Type)
	}
	if p.Factory == nil {
		return Plugin{}, fmt.Errorf("%w: factory must be a function for %s", ErrInvalidPlugin, p.Metadata.Type)
	}

	if p.Metadata.Version != "" {
		if _, err := semver.NewVersion(p.Metadata.Version); err != nil {
			return Plugin{}, fmt.Errorf("%w: invalid version %s: %v", ErrInvalidPlugin, p.Metadata.Version, err)
		}
	}

	if _, err := compileSchema(p.Metadata.ConfigSchema); err != nil {
		return Plugin{}, fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
	}

	p.Metadata = p.Metadata.clone()
	return p, nil
}

// MustDefine is like Define but panics on invalid definitions. It is meant for
// package-level plugin variables.
func MustDefine(p Plugin) Plugin {
	defined, err := Define(p)
	if err != nil {
		panic(err)
	}
	return defined
}

// compileSchema compiles a JSON schema; a nil schema accepts any config
func compileSchema(schema map[string]any) (*gojsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid config schema: %w", err)
	}
	return compiled, nil
}

// validateOptions validates agent options against a compiled schema
func validateOptions(schema *gojsonschema.Schema, options map[string]any) error {
	if schema == nil {
		return nil
	}
	if options == nil {
		options = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(options))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for i, err := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += err.String()
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, errMsg)
	}

	return nil
}
