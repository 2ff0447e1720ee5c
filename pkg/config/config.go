// Package config loads device properties from YAML files, channel
// sub-option strings and FMQ_* environment variables.
//
// Every source produces a flat property map with the keys the device
// reads: id, transport, session, and chans.<name>.<index>.<field> for
// channels. ApplyTo merges sources into a property store; later sources
// win.
package config

import (
	"errors"

	"github.com/fmq-go/fmq/pkg/property"
)

// Configuration errors.
var (
	ErrMissingName   = errors.New("channel config has no name")
	ErrUnknownOption = errors.New("unknown channel option")
	ErrInvalidValue  = errors.New("invalid configuration value")
)

// Channel option names, as used in sub-option strings and YAML files.
var channelOptions = map[string]bool{
	"name":          true,
	"type":          true,
	"method":        true,
	"address":       true,
	"transport":     true,
	"sndBufSize":    true,
	"rcvBufSize":    true,
	"sndKernelSize": true,
	"rcvKernelSize": true,
	"linger":        true,
	"rateLogging":   true,
	"rateLimit":     true,
	"portRangeMin":  true,
	"portRangeMax":  true,
	"autoBind":      true,
	"numSockets":    true,
}

// ApplyTo sets the properties of every source on store, in order.
func ApplyTo(store *property.Store, sources ...map[string]any) {
	merged := make(map[string]any)
	for _, src := range sources {
		for k, v := range src {
			merged[k] = v
		}
	}
	store.SetProperties(merged)
}

// channelProperties expands one channel into property keys. Each address
// becomes its own sub-channel; common fields apply to all of them.
func channelProperties(name string, common map[string]any, addresses []string, numSockets int) map[string]any {
	n := max(len(addresses), numSockets, 1)
	out := make(map[string]any, n*(len(common)+1))
	for i := range n {
		for field, v := range common {
			out[property.ChannelKey(name, i, field)] = v
		}
		if i < len(addresses) {
			out[property.ChannelKey(name, i, "address")] = addresses[i]
		}
	}
	return out
}
