// Package validation validates configuration structs with struct tags.
//
// Every pipeguard component config carries `validate` tags for its
// tunables; constructors call Validate so an out-of-range value is rejected
// at construction time instead of surfacing as odd runtime behaviour.
//
//	type Config struct {
//	    MaxSize int           `mapstructure:"max_size" validate:"min=1"`
//	    TTL     time.Duration `mapstructure:"ttl" validate:"gt=0"`
//	}
//	err := validation.Validate(cfg)
package validation
