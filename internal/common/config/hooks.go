package config

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		StorageBackendHookFunc(),
	)),
}

// StorageBackendHookFunc lower-cases storage backend names so that "Postgres" and "postgres" are equivalent.
func StorageBackendHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(StorageBackend("")) {
			return data, nil
		}
		return StorageBackend(strings.ToLower(strings.TrimSpace(data.(string)))), nil
	}
}

// StorageBackend names the persistence implementation backing the core.
type StorageBackend string

const (
	PostgresStorage StorageBackend = "postgres"
	MemoryStorage   StorageBackend = "memory"
)
