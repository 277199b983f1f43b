// Package wmi wraps Windows Management Instrumentation queries behind a
// small portable facade. The Windows implementation drives WMI over COM
// via go-ole; on other platforms every call reports ErrUnsupported so the
// compliance checks can degrade cleanly in development environments.
package wmi

import (
	"context"
	"errors"
)

// ErrUnsupported is returned on platforms without a WMI service.
var ErrUnsupported = errors.New("wmi: not supported on this platform")

// ErrNoResults is returned by QueryOne when the query matched nothing.
var ErrNoResults = errors.New("wmi: query returned no results")

// Object is one WMI instance, keyed by property name. Values carry the
// Go types produced by VARIANT conversion (bool, string, int64, float64,
// []interface{} or nil).
type Object map[string]interface{}

// Bool reads a boolean property. The second return reports whether the
// property exists and has the expected type.
func (o Object) Bool(name string) (bool, bool) {
	v, ok := o[name].(bool)
	return v, ok
}

// String reads a string property.
func (o Object) String(name string) (string, bool) {
	v, ok := o[name].(string)
	return v, ok
}

// Int reads an integer property, accepting any of the integer widths the
// VARIANT decoder may produce.
func (o Object) Int(name string) (int, bool) {
	switch v := o[name].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint32:
		return int(v), true
	default:
		return 0, false
	}
}

// Query runs a WQL query in the given namespace (for example
// `root\CIMV2`) and returns every matching instance.
func Query(ctx context.Context, namespace, wql string) ([]Object, error) {
	return platformQuery(ctx, namespace, wql)
}

// QueryOne runs a WQL query expected to match a single instance.
func QueryOne(ctx context.Context, namespace, wql string) (Object, error) {
	objs, err := Query(ctx, namespace, wql)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, ErrNoResults
	}
	return objs[0], nil
}

// Hive identifies a registry root for StdRegProv reads.
type Hive uint32

const (
	HiveClassesRoot  Hive = 0x80000000
	HiveCurrentUser  Hive = 0x80000001
	HiveLocalMachine Hive = 0x80000002
	HiveUsers        Hive = 0x80000003
)

// RegDWORD reads a DWORD registry value through the StdRegProv WMI class.
func RegDWORD(ctx context.Context, hive Hive, subKey, valueName string) (uint32, error) {
	return platformRegDWORD(ctx, hive, subKey, valueName)
}

// RegString reads a REG_SZ registry value through StdRegProv.
func RegString(ctx context.Context, hive Hive, subKey, valueName string) (string, error) {
	return platformRegString(ctx, hive, subKey, valueName)
}

// RegKeyExists reports whether a registry key is present.
func RegKeyExists(ctx context.Context, hive Hive, subKey string) (bool, error) {
	return platformRegKeyExists(ctx, hive, subKey)
}
