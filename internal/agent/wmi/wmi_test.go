package wmi

import (
	"context"
	"errors"
	"runtime"
	"testing"
)

func TestObjectBool(t *testing.T) {
	obj := Object{"Enabled": true, "Name": "fw"}

	if v, ok := obj.Bool("Enabled"); !ok || !v {
		t.Errorf("Bool(Enabled) = %v, %v; want true, true", v, ok)
	}
	if _, ok := obj.Bool("Name"); ok {
		t.Error("Bool(Name) ok for string property")
	}
	if _, ok := obj.Bool("Missing"); ok {
		t.Error("Bool(Missing) ok for absent property")
	}
}

func TestObjectInt(t *testing.T) {
	tests := []struct {
		name string
		val  interface{}
		want int
		ok   bool
	}{
		{"int", int(42), 42, true},
		{"int32", int32(7), 7, true},
		{"int64", int64(900), 900, true},
		{"uint32", uint32(30), 30, true},
		{"string", "42", 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := Object{"v": tt.val}
			got, ok := obj.Int("v")
			if got != tt.want || ok != tt.ok {
				t.Errorf("Int = %d, %v; want %d, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestObjectString(t *testing.T) {
	obj := Object{"Caption": "Windows 11 Pro", "Count": int32(3)}

	if v, ok := obj.String("Caption"); !ok || v != "Windows 11 Pro" {
		t.Errorf("String(Caption) = %q, %v", v, ok)
	}
	if _, ok := obj.String("Count"); ok {
		t.Error("String(Count) ok for int property")
	}
}

func TestQueryUnsupportedPlatform(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("windows has a live WMI service")
	}
	_, err := Query(context.Background(), `root\CIMV2`, "SELECT * FROM Win32_ComputerSystem")
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("Query err = %v, want ErrUnsupported", err)
	}
	_, err = RegDWORD(context.Background(), HiveLocalMachine, `SOFTWARE\Test`, "Value")
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("RegDWORD err = %v, want ErrUnsupported", err)
	}
}
