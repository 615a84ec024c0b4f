// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to pflag flag sets using
// `help` and `default` struct tags.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
)

// Error is the class of cfgstruct errors.
var Error = errs.Class("cfgstruct")

// Bind descends into config, which must be a pointer to a struct, and
// registers a flag for every leaf field carrying a `help` tag. Nested
// structs contribute dot-separated prefixes, so
//
//	type Config struct{ Pool PoolConfig }
//	type PoolConfig struct{ MaxSize int `help:"..." default:"10"` }
//
// registers "pool.max-size".
func Bind(flags *pflag.FlagSet, config interface{}) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		panic(Error.New("expected pointer to struct, got %T", config))
	}
	bindStruct(flags, "", ptr.Elem())
}

func bindStruct(flags *pflag.FlagSet, prefix string, val reflect.Value) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fieldval := val.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}

		name := prefix + hyphenate(field.Name)
		if field.Type.Kind() == reflect.Struct && field.Tag.Get("help") == "" {
			bindStruct(flags, name+".", fieldval)
			continue
		}

		help := field.Tag.Get("help")
		if help == "" {
			continue
		}
		def := field.Tag.Get("default")
		bindField(flags, name, help, def, fieldval)
	}
}

func bindField(flags *pflag.FlagSet, name, help, def string, val reflect.Value) {
	if !val.CanAddr() {
		panic(Error.New("field %s is not addressable", name))
	}
	addr := val.Addr().Interface()

	switch ptr := addr.(type) {
	case *string:
		flags.StringVar(ptr, name, def, help)
	case *bool:
		flags.BoolVar(ptr, name, parseBool(name, def), help)
	case *int:
		flags.IntVar(ptr, name, int(parseInt(name, def)), help)
	case *int32:
		flags.Int32Var(ptr, name, int32(parseInt(name, def)), help)
	case *int64:
		flags.Int64Var(ptr, name, parseInt(name, def), help)
	case *uint:
		flags.UintVar(ptr, name, uint(parseInt(name, def)), help)
	case *uint64:
		flags.Uint64Var(ptr, name, uint64(parseInt(name, def)), help)
	case *float64:
		flags.Float64Var(ptr, name, parseFloat(name, def), help)
	case *time.Duration:
		flags.DurationVar(ptr, name, parseDuration(name, def), help)
	case *[]string:
		var defs []string
		if def != "" {
			defs = strings.Split(def, ",")
		}
		flags.StringSliceVar(ptr, name, defs, help)
	default:
		panic(Error.New("field %s has unsupported type %s", name, val.Type()))
	}
}

func parseBool(name, def string) bool {
	if def == "" {
		return false
	}
	switch strings.ToLower(def) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	panic(Error.New("field %s has invalid bool default %q", name, def))
}

func parseInt(name, def string) int64 {
	if def == "" {
		return 0
	}
	var n int64
	if _, err := fmt.Sscanf(def, "%d", &n); err != nil {
		panic(Error.New("field %s has invalid integer default %q", name, def))
	}
	return n
}

func parseFloat(name, def string) float64 {
	if def == "" {
		return 0
	}
	var f float64
	if _, err := fmt.Sscanf(def, "%g", &f); err != nil {
		panic(Error.New("field %s has invalid float default %q", name, def))
	}
	return f
}

func parseDuration(name, def string) time.Duration {
	if def == "" {
		return 0
	}
	d, err := time.ParseDuration(def)
	if err != nil {
		panic(Error.New("field %s has invalid duration default %q", name, def))
	}
	return d
}

// hyphenate turns CamelCase field names into kebab-case flag segments.
func hyphenate(name string) string {
	var out []rune
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && (name[i-1] < 'A' || name[i-1] > 'Z') {
				out = append(out, '-')
			}
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}
