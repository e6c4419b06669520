package models

import (
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Columns returns the matchable column values of an entity keyed by column
// name, following the gorm column and embedded tags. NULL columns, binary
// columns and timestamps are omitted.
func Columns(entity any) map[string]string {
	v := reflect.Indirect(reflect.ValueOf(entity))
	out := make(map[string]string)
	for _, f := range fieldsOf(v.Type()) {
		if s, ok := columnString(v.FieldByIndex(f.index)); ok {
			out[f.column] = s
		}
	}
	return out
}

type columnField struct {
	index  []int
	column string
}

var fieldCache sync.Map

func fieldsOf(t reflect.Type) []columnField {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]columnField)
	}
	fields := collectFields(t, nil, "")
	fieldCache.Store(t, fields)
	return fields
}

func collectFields(t reflect.Type, index []int, prefix string) []columnField {
	var out []columnField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		settings := parseTagSettings(sf.Tag.Get("gorm"))
		if _, skip := settings["-"]; skip {
			continue
		}
		idx := append(append([]int(nil), index...), i)
		if _, embedded := settings["EMBEDDED"]; embedded {
			out = append(out, collectFields(sf.Type, idx, prefix+settings["EMBEDDEDPREFIX"])...)
			continue
		}
		if name, ok := settings["COLUMN"]; ok {
			out = append(out, columnField{index: idx, column: prefix + name})
		}
	}
	return out
}

// parseTagSettings mirrors gorm's "KEY:value;KEY2" tag syntax.
func parseTagSettings(tag string) map[string]string {
	settings := make(map[string]string)
	for _, part := range strings.Split(tag, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, ":")
		settings[strings.ToUpper(strings.TrimSpace(key))] = value
	}
	return settings
}

var uuidType = reflect.TypeOf(uuid.UUID{})

func columnString(v reflect.Value) (string, bool) {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return "", false
		}
		v = v.Elem()
	}
	if v.Type() == uuidType {
		return v.Interface().(uuid.UUID).String(), true
	}
	switch v.Kind() {
	case reflect.String:
		return v.String(), true
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10), true
	}
	return "", false
}

// CopyColumns copies the named columns from src to dst, which must be
// pointers to the same entity type.
func CopyColumns(dst, src any, columns ...string) {
	dv := reflect.ValueOf(dst).Elem()
	sv := reflect.Indirect(reflect.ValueOf(src))
	want := make(map[string]bool, len(columns))
	for _, c := range columns {
		want[c] = true
	}
	for _, f := range fieldsOf(dv.Type()) {
		if want[f.column] {
			dv.FieldByIndex(f.index).Set(sv.FieldByIndex(f.index))
		}
	}
}
