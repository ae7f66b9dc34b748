package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fisaks/uhn-gateway/internal/gwerr"
	"github.com/fisaks/uhn-gateway/internal/util"
)

var errTooManyIdCollisions = errors.New("config: exhausted id generation retries")

// multiErr accumulates validation messages, the way the teacher's
// config-edge.go validator does, wrapped in gwerr.ErrInvalidConfig so
// callers can still errors.Is it.
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }

func (m multiErr) err() error {
	if len(m) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", gwerr.ErrInvalidConfig, strings.Join(m, "; "))
}

// clampDecimals enforces spec §8: decimals < -1 coerced to -1, > 6
// coerced to 6.
func clampDecimals(d int) int { return util.ClampInt(d, -1, 6) }

// clampQoS enforces spec §8: qos outside 0..2 coerced to 0 or 2
// accordingly (below 0 -> 0, above 2 -> 2).
func clampQoS(q int) int { return util.ClampInt(q, 0, 2) }
