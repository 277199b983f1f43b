//go:build !windows

package wmi

import "context"

func platformQuery(ctx context.Context, namespace, wql string) ([]Object, error) {
	return nil, ErrUnsupported
}

func platformRegDWORD(ctx context.Context, hive Hive, subKey, valueName string) (uint32, error) {
	return 0, ErrUnsupported
}

func platformRegString(ctx context.Context, hive Hive, subKey, valueName string) (string, error) {
	return "", ErrUnsupported
}

func platformRegKeyExists(ctx context.Context, hive Hive, subKey string) (bool, error) {
	return false, ErrUnsupported
}
