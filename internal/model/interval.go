package model

import (
	"fmt"
	"strings"
	"time"
)

// ParseInterval converts a configured interval_value/interval_unit pair
// into a time.Duration, accepting exactly the spellings spec §6
// normative list names (ms; s/sec/secs/second/seconds; m/min/mins/
// minute/minutes) and defaulting to milliseconds when unit is empty.
// Any other spelling is a validation error rather than a silent
// fallback (spec §9 "Ambiguous behaviors to flag").
func ParseInterval(value int, unit string) (time.Duration, error) {
	u := strings.ToLower(strings.TrimSpace(unit))
	switch u {
	case "", "ms":
		return time.Duration(value) * time.Millisecond, nil
	case "s", "sec", "secs", "second", "seconds":
		return time.Duration(value) * time.Second, nil
	case "m", "min", "mins", "minute", "minutes":
		return time.Duration(value) * time.Minute, nil
	default:
		return 0, fmt.Errorf("unrecognized interval_unit %q", unit)
	}
}
