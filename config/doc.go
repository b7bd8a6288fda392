// Package config loads the Titta configuration.
//
// Configuration is layered: Default() provides a complete baseline, each YAML
// file added with AddLayer is decoded over it (only keys present in a file
// change anything), and finally TITTA_* environment variables override single
// fields. Unknown keys are an error.
//
//	loader := config.NewLoader()
//	loader.AddLayer("titta.yaml")
//	loader.AddLayer("titta.local.yaml")
//	cfg, err := loader.Load()
//
// Recognized environment overrides:
//
//	TITTA_NATS_URLS            comma separated server list
//	TITTA_NATS_NAME            client connection name
//	TITTA_NATS_USERNAME        with TITTA_NATS_PASSWORD
//	TITTA_NATS_TOKEN
//	TITTA_NATS_BUCKET          advertisement bucket
//	TITTA_NATS_RECONNECT_WAIT  duration, e.g. 2s
//	TITTA_RELAY_TRANSPORT      nats or memory
//	TITTA_GATEWAY_ENABLED      bool
//	TITTA_GATEWAY_ADDR
//	TITTA_METRICS_ENABLED      bool
//	TITTA_METRICS_ADDR
//	TITTA_LOG_LEVEL            debug, info, warn, error
//	TITTA_LOG_FORMAT           json or text
//
// SafeConfig guards a configuration shared between goroutines; Get returns a
// deep copy.
package config
