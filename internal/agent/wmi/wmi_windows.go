//go:build windows

package wmi

import (
	"context"
	"fmt"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

// withService initializes COM, connects an SWbemServices object to the
// given namespace and runs fn against it. COM teardown happens on return,
// so callers must not retain dispatch pointers past fn.
func withService(namespace string, fn func(service *ole.IDispatch) error) error {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		// S_FALSE means this thread already initialized COM.
		if oleErr, ok := err.(*ole.OleError); !ok || oleErr.Code() != 0x00000001 {
			return fmt.Errorf("initialize COM: %w", err)
		}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return fmt.Errorf("create WMI locator: %w", err)
	}
	defer unknown.Release()

	locator, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return fmt.Errorf("locator IDispatch: %w", err)
	}
	defer locator.Release()

	serviceRaw, err := oleutil.CallMethod(locator, "ConnectServer", ".", namespace)
	if err != nil {
		return fmt.Errorf("connect %s: %w", namespace, err)
	}
	service := serviceRaw.ToIDispatch()
	defer service.Release()

	return fn(service)
}

func platformQuery(ctx context.Context, namespace, wql string) ([]Object, error) {
	var objs []Object
	err := withService(namespace, func(service *ole.IDispatch) error {
		resultRaw, err := oleutil.CallMethod(service, "ExecQuery", wql)
		if err != nil {
			return fmt.Errorf("exec query: %w", err)
		}
		result := resultRaw.ToIDispatch()
		defer result.Release()

		countRaw, err := oleutil.GetProperty(result, "Count")
		if err != nil {
			return fmt.Errorf("result count: %w", err)
		}
		count := int(countRaw.Val)

		objs = make([]Object, 0, count)
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			itemRaw, err := oleutil.CallMethod(result, "ItemIndex", i)
			if err != nil {
				continue
			}
			item := itemRaw.ToIDispatch()
			objs = append(objs, readProperties(item))
			item.Release()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objs, nil
}

// readProperties walks the Properties_ collection of a WMI instance and
// converts each VARIANT into a plain Go value.
func readProperties(item *ole.IDispatch) Object {
	obj := make(Object)

	propsRaw, err := oleutil.GetProperty(item, "Properties_")
	if err != nil {
		return obj
	}
	props := propsRaw.ToIDispatch()
	defer props.Release()

	countRaw, err := oleutil.GetProperty(props, "Count")
	if err != nil {
		return obj
	}

	for i := 0; i < int(countRaw.Val); i++ {
		propRaw, err := oleutil.CallMethod(props, "ItemIndex", i)
		if err != nil {
			continue
		}
		prop := propRaw.ToIDispatch()

		nameRaw, err := oleutil.GetProperty(prop, "Name")
		if err != nil {
			prop.Release()
			continue
		}
		valRaw, err := oleutil.GetProperty(prop, "Value")
		if err != nil {
			prop.Release()
			continue
		}
		obj[nameRaw.ToString()] = coerceVariant(valRaw)
		prop.Release()
	}
	return obj
}

func coerceVariant(v *ole.VARIANT) interface{} {
	switch v.VT {
	case ole.VT_NULL, ole.VT_EMPTY:
		return nil
	case ole.VT_BOOL:
		return v.Val != 0
	case ole.VT_I4, ole.VT_INT:
		return int32(v.Val)
	case ole.VT_UI4, ole.VT_UINT:
		return uint32(v.Val)
	case ole.VT_BSTR:
		return v.ToString()
	default:
		return v.Value()
	}
}

// withRegProv binds fn to the StdRegProv class in root\default.
func withRegProv(fn func(reg *ole.IDispatch) error) error {
	return withService(`root\default`, func(service *ole.IDispatch) error {
		regRaw, err := oleutil.CallMethod(service, "Get", "StdRegProv")
		if err != nil {
			return fmt.Errorf("get StdRegProv: %w", err)
		}
		reg := regRaw.ToIDispatch()
		defer reg.Release()
		return fn(reg)
	})
}

func platformRegDWORD(ctx context.Context, hive Hive, subKey, valueName string) (uint32, error) {
	var value uint32
	err := withRegProv(func(reg *ole.IDispatch) error {
		outRaw, err := oleutil.CallMethod(reg, "GetDWORDValue", uint32(hive), subKey, valueName)
		if err != nil {
			return fmt.Errorf("GetDWORDValue %s\\%s: %w", subKey, valueName, err)
		}
		out := outRaw.ToIDispatch()
		defer out.Release()

		uRaw, err := oleutil.GetProperty(out, "uValue")
		if err != nil {
			return fmt.Errorf("read uValue: %w", err)
		}
		value = uint32(uRaw.Val)
		return nil
	})
	return value, err
}

func platformRegString(ctx context.Context, hive Hive, subKey, valueName string) (string, error) {
	var value string
	err := withRegProv(func(reg *ole.IDispatch) error {
		outRaw, err := oleutil.CallMethod(reg, "GetStringValue", uint32(hive), subKey, valueName)
		if err != nil {
			return fmt.Errorf("GetStringValue %s\\%s: %w", subKey, valueName, err)
		}
		out := outRaw.ToIDispatch()
		defer out.Release()

		sRaw, err := oleutil.GetProperty(out, "sValue")
		if err != nil {
			return fmt.Errorf("read sValue: %w", err)
		}
		value = sRaw.ToString()
		return nil
	})
	return value, err
}

func platformRegKeyExists(ctx context.Context, hive Hive, subKey string) (bool, error) {
	var exists bool
	err := withRegProv(func(reg *ole.IDispatch) error {
		// EnumKey fails when the key is absent.
		if _, err := oleutil.CallMethod(reg, "EnumKey", uint32(hive), subKey); err == nil {
			exists = true
		}
		return nil
	})
	return exists, err
}
