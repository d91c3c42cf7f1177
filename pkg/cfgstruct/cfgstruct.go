// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to flags using the
// `help` and `default` field tags.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"keystorm.io/keystorm/internal/memory"
)

// Bind sets flags on a FlagSet from the `help`, `default` and
// `devDefault` tags of the config struct's fields.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...Option) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("invalid config type: %#v, expecting pointer to struct", config))
	}
	options := options{}
	for _, opt := range opts {
		opt(&options)
	}
	bindConfig(flags, "", ptr.Elem(), options)
}

type options struct {
	dev bool
}

// Option customizes Bind.
type Option func(*options)

// UseDev selects `devDefault` tag values where present.
func UseDev() Option {
	return func(o *options) { o.dev = true }
}

func bindConfig(flags *pflag.FlagSet, prefix string, structVal reflect.Value, opts options) {
	if structVal.Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %#v, expecting struct", structVal.Interface()))
	}

	for i := 0; i < structVal.NumField(); i++ {
		field := structVal.Type().Field(i)
		fieldVal := structVal.Field(i)
		flagName := prefix + hyphenate(snakeCase(field.Name))

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			bindConfig(flags, flagName+".", fieldVal, opts)
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		if opts.dev {
			if dev := field.Tag.Get("devDefault"); dev != "" {
				def = dev
			}
		} else if rel := field.Tag.Get("releaseDefault"); rel != "" {
			def = rel
		}

		if !fieldAddrOK(fieldVal) {
			continue
		}
		addr := fieldVal.Addr().Interface()

		switch value := addr.(type) {
		case *int:
			flags.IntVar(value, flagName, parseInt(def), help)
		case *int64:
			flags.Int64Var(value, flagName, int64(parseInt(def)), help)
		case *uint:
			flags.UintVar(value, flagName, uint(parseInt(def)), help)
		case *uint64:
			flags.Uint64Var(value, flagName, uint64(parseInt(def)), help)
		case *bool:
			flags.BoolVar(value, flagName, def == "true", help)
		case *float64:
			parsed, _ := strconv.ParseFloat(def, 64)
			flags.Float64Var(value, flagName, parsed, help)
		case *string:
			flags.StringVar(value, flagName, def, help)
		case *time.Duration:
			parsed, _ := time.ParseDuration(def)
			flags.DurationVar(value, flagName, parsed, help)
		case *memory.Size:
			*value = memory.Size(parseInt(def))
			flags.Var(sizeValue{value}, flagName, help)
		default:
			if setter, ok := addr.(pflag.Value); ok {
				if def != "" {
					_ = setter.Set(def)
				}
				flags.Var(setter, flagName, help)
				continue
			}
			if field.Type.Kind() == reflect.String {
				fieldVal.SetString(def)
				flags.Var(stringValue{fieldVal}, flagName, help)
				continue
			}
			panic(fmt.Sprintf("invalid field type %s for flag %q", field.Type, flagName))
		}
	}
}

func fieldAddrOK(val reflect.Value) bool {
	return val.CanAddr() && val.Addr().CanInterface()
}

func parseInt(s string) int {
	value, _ := strconv.Atoi(s)
	return value
}

// snakeCase converts CamelCase to snake_case, keeping acronym runs
// together.
func snakeCase(name string) string {
	var out []rune
	runes := []rune(name)
	for i, r := range runes {
		if i > 0 && isUpper(r) {
			prevLower := !isUpper(runes[i-1])
			nextLower := i+1 < len(runes) && !isUpper(runes[i+1])
			if prevLower || nextLower {
				out = append(out, '_')
			}
		}
		out = append(out, lower(r))
	}
	return string(out)
}

func hyphenate(name string) string {
	return strings.Replace(name, "_", "-", -1)
}

func isUpper(r rune) bool { return 'A' <= r && r <= 'Z' }

func lower(r rune) rune {
	if isUpper(r) {
		return r - 'A' + 'a'
	}
	return r
}

// sizeValue adapts memory.Size to pflag.Value.
type sizeValue struct{ size *memory.Size }

func (value sizeValue) String() string {
	if value.size == nil {
		return ""
	}
	return value.size.String()
}

func (value sizeValue) Set(s string) error {
	parsed, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		*value.size = memory.Size(parsed)
		return nil
	}
	return value.size.Set(s)
}

func (value sizeValue) Type() string { return "memory.Size" }

// stringValue adapts named string types to pflag.Value.
type stringValue struct{ val reflect.Value }

func (value stringValue) String() string { return value.val.String() }

func (value stringValue) Set(s string) error {
	value.val.SetString(s)
	return nil
}

func (value stringValue) Type() string { return "string" }
