package config

import "errors"

var (
	errInvalidPort    = errors.New("config: port must be between 1 and 65535")
	errMissingDataDir = errors.New("config: data_dir must be set")
)
