package property

import (
	"sort"
	"strconv"
	"strings"
)

// ChannelPrefix starts every channel property key.
const ChannelPrefix = "chans."

// ChannelKey returns the property key of field for sub-channel index of
// channel name: chans.<name>.<index>.<field>.
func ChannelKey(name string, index int, field string) string {
	return ChannelPrefix + name + "." + strconv.Itoa(index) + "." + field
}

// ParseChannelKey splits a channel property key into its parts.
func ParseChannelKey(key string) (name string, index int, field string, ok bool) {
	rest, found := strings.CutPrefix(key, ChannelPrefix)
	if !found {
		return "", 0, "", false
	}
	// The name may itself contain dots; index and field are the last two.
	fieldDot := strings.LastIndexByte(rest, '.')
	if fieldDot <= 0 {
		return "", 0, "", false
	}
	indexDot := strings.LastIndexByte(rest[:fieldDot], '.')
	if indexDot <= 0 {
		return "", 0, "", false
	}
	idx, err := strconv.Atoi(rest[indexDot+1 : fieldDot])
	if err != nil || idx < 0 {
		return "", 0, "", false
	}
	return rest[:indexDot], idx, rest[fieldDot+1:], true
}

// ChannelNames returns the names of all configured channels, sorted.
func (s *Store) ChannelNames() []string {
	seen := make(map[string]struct{})
	for _, k := range s.Keys(ChannelPrefix) {
		if name, _, _, ok := ParseChannelKey(k); ok {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ChannelCount returns the number of configured sub-channels of name,
// which is one more than the highest configured index.
func (s *Store) ChannelCount(name string) int {
	n := 0
	for _, k := range s.Keys(ChannelPrefix + name + ".") {
		if kn, idx, _, ok := ParseChannelKey(k); ok && kn == name && idx+1 > n {
			n = idx + 1
		}
	}
	return n
}

// ChannelFields returns the configured fields of one sub-channel.
func (s *Store) ChannelFields(name string, index int) map[string]any {
	prefix := ChannelPrefix + name + "." + strconv.Itoa(index) + "."
	out := make(map[string]any)
	for _, k := range s.Keys(prefix) {
		field := strings.TrimPrefix(k, prefix)
		if strings.Contains(field, ".") {
			continue
		}
		if v, ok := s.Get(k); ok {
			out[field] = v
		}
	}
	return out
}
