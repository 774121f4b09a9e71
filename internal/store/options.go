package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
)

// Kind identifies a storage backend.
type Kind string

const (
	KindMemory Kind = "memory"
	KindShared Kind = "shared"
	KindSQL    Kind = "sql"
)

// ErrUnknownKind is returned for backend names outside the closed set.
var ErrUnknownKind = errors.New("unknown store kind")

// Kinds lists every supported backend.
func Kinds() []Kind {
	return []Kind{KindMemory, KindShared, KindSQL}
}

// ParseKind resolves a backend name. The empty string selects memory and
// "redis" is accepted as an alias for shared.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(KindMemory):
		return KindMemory, nil
	case string(KindShared), "redis":
		return KindShared, nil
	case string(KindSQL), "sqlite":
		return KindSQL, nil
	default:
		return "", fmt.Errorf("%w %q, must be one of: memory, shared, sql", ErrUnknownKind, s)
	}
}

// New builds the backend selected by kind. options is the opaque, backend
// specific map from configuration; it is decoded into MemoryOptions,
// RedisOptions or SQLOptions. namespace isolates this store's keys from
// other limiters sharing the same backend.
func New(kind Kind, namespace string, options map[string]any, c clock.Clock) (Store, error) {
	switch kind {
	case KindMemory:
		var opts MemoryOptions
		if err := DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		opts.Clock = c
		return NewMemoryStore(&opts)
	case KindShared:
		var opts RedisOptions
		if err := DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return NewRedisStore(namespace, &opts)
	case KindSQL:
		var opts SQLOptions
		if err := DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		opts.Clock = c
		return NewSQLStore(namespace, &opts)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}

// DecodeOptions decodes a loosely typed option map into out, accepting
// duration strings ("5s") and comma separated lists.
func DecodeOptions(in map[string]any, out any) error {
	if len(in) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create options decoder: %w", err)
	}
	if err := decoder.Decode(in); err != nil {
		return fmt.Errorf("decoding store options: %w", err)
	}
	return nil
}
