package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseChannelConfig parses a channel given as comma separated key=value
// pairs:
//
//	name=data,type=push,method=bind,address=tcp://*:5555,rateLogging=1
//
// Every address option adds a sub-channel; numSockets=N requests N
// sub-channels sharing the other options. Values are kept as strings.
func ParseChannelConfig(s string) (map[string]any, error) {
	var (
		name       string
		addresses  []string
		numSockets int
		common     = make(map[string]any)
	)

	for opt := range strings.SplitSeq(strings.TrimSpace(s), ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		key, value, _ := strings.Cut(opt, "=")
		if !channelOptions[key] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOption, key)
		}
		switch key {
		case "name":
			name = value
		case "address":
			addresses = append(addresses, value)
		case "numSockets":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: numSockets=%q", ErrInvalidValue, value)
			}
			numSockets = n
		default:
			common[key] = value
		}
	}

	if name == "" {
		return nil, fmt.Errorf("%w: %q", ErrMissingName, s)
	}
	return channelProperties(name, common, addresses, numSockets), nil
}

// ParseChannelConfigs parses several channel strings into one map.
func ParseChannelConfigs(specs []string) (map[string]any, error) {
	out := make(map[string]any)
	for _, s := range specs {
		props, err := ParseChannelConfig(s)
		if err != nil {
			return nil, err
		}
		for k, v := range props {
			out[k] = v
		}
	}
	return out, nil
}
