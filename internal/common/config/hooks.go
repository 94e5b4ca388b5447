package config

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		PortRangeDecodeHook(),
	)),
}

// PortRange is a half-open range of ports [Low, High).
type PortRange struct {
	Low  int
	High int
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.High <= r.Low {
		return 0
	}
	return r.High - r.Low
}

func (r PortRange) Contains(port int) bool {
	return port >= r.Low && port < r.High
}

func (r PortRange) Overlaps(other PortRange) bool {
	return r.Low < other.High && other.Low < r.High
}

func (r PortRange) String() string {
	return strconv.Itoa(r.Low) + "-" + strconv.Itoa(r.High)
}

// ParsePortRange parses ranges of the form "5700-6700"; the upper bound is exclusive.
func ParsePortRange(s string) (PortRange, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return PortRange{}, errors.Errorf("invalid port range %q: expected LOW-HIGH", s)
	}
	low, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return PortRange{}, errors.Wrapf(err, "invalid port range %q", s)
	}
	high, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return PortRange{}, errors.Wrapf(err, "invalid port range %q", s)
	}
	if low <= 0 || high > 65536 || high <= low {
		return PortRange{}, errors.Errorf("invalid port range %q: bounds must satisfy 0 < LOW < HIGH <= 65536", s)
	}
	return PortRange{Low: low, High: high}, nil
}

func PortRangeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(PortRange{}) {
			return data, nil
		}
		return ParsePortRange(data.(string))
	}
}
