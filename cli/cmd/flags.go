package cmd

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/pflag"
)

var _ pflag.Value = (*sizeValue)(nil)

// sizeValue is a pflag.Value for byte sizes written like "16MiB" or "512k".
type sizeValue int64

func (s *sizeValue) String() string {
	if *s == 0 {
		return ""
	}
	return units.BytesSize(float64(*s))
}

func (s *sizeValue) Set(v string) error {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("size %q must be positive", v)
	}
	*s = sizeValue(n)
	return nil
}

func (s *sizeValue) Type() string {
	return "size"
}
