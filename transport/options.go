package transport

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"

	"github.com/docker/go-units"
	"github.com/spf13/pflag"
)

// newOptions returns the flag set that holds the query options of a scheme.
func newOptions(scheme string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(scheme, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// decodeQuery applies the query values to fs. Keys without a flag are rejected.
// A repeated key keeps its last value, a bare boolean key means true.
func decodeQuery(fs *pflag.FlagSet, query url.Values) error {
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		flag := fs.Lookup(key)
		if flag == nil {
			return fmt.Errorf("unknown option %q", key)
		}

		values := query[key]
		value := values[len(values)-1]
		if value == "" && flag.NoOptDefVal != "" {
			value = flag.NoOptDefVal
		}

		if err := fs.Set(key, value); err != nil {
			return fmt.Errorf("option %s: %w", key, err)
		}
	}
	return nil
}

// sizeValue is a byte size accepting plain numbers and human units like 4MiB.
type sizeValue int64

func newSizeValue(val int64, p *int64) *sizeValue {
	*p = val
	return (*sizeValue)(p)
}

func (s *sizeValue) Set(v string) error {
	size, err := units.RAMInBytes(v)
	if err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("negative size %d", size)
	}
	*s = sizeValue(size)
	return nil
}

func (s *sizeValue) Type() string {
	return "size"
}

func (s *sizeValue) String() string {
	return strconv.FormatInt(int64(*s), 10)
}
