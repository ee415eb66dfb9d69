// Package config loads solver options files.
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	ipm "github.com/jjhbw/stochipm"
)

// File is the content of an options file. Keys that are absent keep their
// defaults.
type File struct {
	Method string `mapstructure:"method"`
	Ranks  int    `mapstructure:"ranks"`

	ipm.Options `mapstructure:",squash"`
}

// Default returns the settings used without an options file.
func Default() File {
	return File{
		Method:  ipm.IPM_PRIMAL.String(),
		Ranks:   1,
		Options: ipm.DefaultOptions(),
	}
}

// Load reads an options file in any format viper understands, chosen by the
// file extension. Unknown keys are rejected.
func Load(path string) (File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return File{}, errors.Wrapf(err, "read options file %s", path)
	}
	return decode(v)
}

func decode(v *viper.Viper) (File, error) {
	f := Default()
	if err := v.UnmarshalExact(&f); err != nil {
		return File{}, errors.Wrap(err, "decode options")
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks the options and the method name.
func (f File) Validate() error {
	if _, err := ipm.ParseInteriorPointMethodType(f.Method); err != nil {
		return err
	}
	if f.Ranks <= 0 {
		return errors.Errorf("ranks must be positive, got %d", f.Ranks)
	}
	return f.Options.Validate()
}

// MethodType returns the parsed method.
func (f File) MethodType() ipm.InteriorPointMethodType {
	t, err := ipm.ParseInteriorPointMethodType(f.Method)
	if err != nil {
		panic(err)
	}
	return t
}
