package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// LoadYAML reads a device configuration file. See ParseYAML.
func LoadYAML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	props, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return props, nil
}

// ParseYAML flattens a YAML document into property keys. Nested mappings
// join their keys with dots and sequences use the element index, so
//
//	chans:
//	  data:
//	    - type: push
//	      address: tcp://*:5555
//
// yields chans.data.0.type and chans.data.0.address. A top-level
// channels list describes channels by name instead:
//
//	channels:
//	  - name: data
//	    type: push
//	    sockets:
//	      - address: tcp://*:5555
func ParseYAML(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	out := make(map[string]any)
	for k, v := range doc {
		if k == "channels" {
			if err := flattenChannels(out, v); err != nil {
				return nil, err
			}
			continue
		}
		flatten(out, k, v)
	}
	return out, nil
}

func flatten(out map[string]any, prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			flatten(out, prefix+"."+k, child)
		}
	case []any:
		for i, child := range val {
			flatten(out, prefix+"."+strconv.Itoa(i), child)
		}
	default:
		out[prefix] = val
	}
}

func flattenChannels(out map[string]any, v any) error {
	list, ok := v.([]any)
	if !ok {
		return fmt.Errorf("%w: channels must be a list", ErrInvalidValue)
	}
	for i, item := range list {
		ch, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: channels[%d] must be a mapping", ErrInvalidValue, i)
		}

		var (
			name       string
			addresses  []string
			numSockets int
			common     = make(map[string]any)
		)
		for key, val := range ch {
			switch key {
			case "name":
				name = fmt.Sprint(val)
			case "sockets":
				socks, ok := val.([]any)
				if !ok {
					return fmt.Errorf("%w: channels[%d].sockets must be a list", ErrInvalidValue, i)
				}
				for _, s := range socks {
					if m, ok := s.(map[string]any); ok {
						if addr, ok := m["address"]; ok {
							addresses = append(addresses, fmt.Sprint(addr))
						}
					}
				}
			case "address":
				addresses = append(addresses, fmt.Sprint(val))
			case "numSockets":
				n, ok := val.(int)
				if !ok || n < 0 {
					return fmt.Errorf("%w: channels[%d].numSockets", ErrInvalidValue, i)
				}
				numSockets = n
			default:
				if !channelOptions[key] {
					return fmt.Errorf("%w: %q in channels[%d]", ErrUnknownOption, key, i)
				}
				common[key] = val
			}
		}
		if name == "" {
			return fmt.Errorf("%w: channels[%d]", ErrMissingName, i)
		}
		for k, val := range channelProperties(name, common, addresses, numSockets) {
			out[k] = val
		}
	}
	return nil
}
