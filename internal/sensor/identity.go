package sensor

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity names one physical sensor. Two readings with the same protocol,
// id and channel always belong to the same sensor.
type Identity struct {
	Protocol string
	ID       string
	Channel  int
}

// Key returns the "protocol:id:channel" form used as the map key and as
// the paired device id.
func (i Identity) Key() string {
	return i.Protocol + ":" + i.ID + ":" + strconv.Itoa(i.Channel)
}

func (i Identity) String() string { return i.Key() }

// ParseKey reverses Key. The protocol ends at the first colon and the
// channel starts after the last one, so ids may contain colons.
func ParseKey(key string) (Identity, error) {
	protocol, rest, ok := strings.Cut(key, ":")
	if !ok || protocol == "" {
		return Identity{}, fmt.Errorf("invalid sensor key %q", key)
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return Identity{}, fmt.Errorf("invalid sensor key %q", key)
	}
	ch, err := strconv.Atoi(rest[idx+1:])
	if err != nil {
		return Identity{}, fmt.Errorf("invalid channel in sensor key %q: %w", key, err)
	}
	return Identity{Protocol: protocol, ID: rest[:idx], Channel: ch}, nil
}

// ChannelLabel is the channel as shown to users; "-" when there is none.
func (i Identity) ChannelLabel() string {
	if i.Channel == 0 {
		return "-"
	}
	return strconv.Itoa(i.Channel)
}
