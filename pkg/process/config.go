// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package process

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	yaml "gopkg.in/yaml.v2"
)

// applyOverrides copies values from the environment and the config file
// onto any flag the caller did not set explicitly. Explicit flags always
// win.
func applyOverrides(cmd *cobra.Command, vip *viper.Viper) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || f.Name == "config" {
			return
		}
		if !vip.IsSet(f.Name) {
			return
		}
		value := vip.GetString(f.Name)
		if value == "" {
			return
		}
		_ = f.Value.Set(value)
	})
}

// marshalFlags renders every flag on cmd as a yaml document of
// name: value pairs.
func marshalFlags(cmd *cobra.Command) ([]byte, error) {
	settings := map[string]interface{}{}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		settings[f.Name] = f.Value.String()
	})
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// atomicWrite writes data to outfile through a temporary file and rename.
func atomicWrite(outfile string, mode os.FileMode, data []byte) (err error) {
	fh, err := os.CreateTemp(filepath.Dir(outfile), filepath.Base(outfile))
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close(), os.Remove(fh.Name()))
		}
	}()
	if _, err := fh.Write(data); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return errs.Wrap(err)
	}
	if err := os.Chmod(fh.Name(), mode); err != nil {
		return errs.Wrap(err)
	}
	return errs.Wrap(os.Rename(fh.Name(), outfile))
}
