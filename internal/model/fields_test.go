package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFields_Known(t *testing.T) {
	f := Fields{
		"origin_zip": "60601",
		"dest_zip":   "",
		"weight_lb":  0,
		"hazmat":     false,
		"pieces":     12,
		"dims":       nil,
	}
	assert.True(t, f.Known("origin_zip"))
	assert.True(t, f.Known("pieces"))
	assert.False(t, f.Known("dest_zip"))
	assert.False(t, f.Known("weight_lb"))
	assert.False(t, f.Known("hazmat"))
	assert.False(t, f.Known("dims"))
	assert.False(t, f.Known("equipment"))
}

func TestFields_CloneIsIndependent(t *testing.T) {
	f := Fields{"origin_zip": "60601"}
	c := f.Clone()
	c["dest_zip"] = "75201"
	assert.NotContains(t, f, "dest_zip")

	var empty Fields
	assert.NotNil(t, empty.Clone())
}

func TestFields_Keys(t *testing.T) {
	f := Fields{"weight_lb": 1, "dest_zip": "x", "origin_zip": "y"}
	assert.Equal(t, []string{"dest_zip", "origin_zip", "weight_lb"}, f.Keys())
}

func TestFields_Int(t *testing.T) {
	f := Fields{"a": 42000, "b": float64(8000), "c": "12", "d": "heavy", "e": int64(7)}

	n, ok := f.Int("a")
	assert.True(t, ok)
	assert.Equal(t, 42000, n)

	n, ok = f.Int("b")
	assert.True(t, ok)
	assert.Equal(t, 8000, n)

	n, ok = f.Int("c")
	assert.True(t, ok)
	assert.Equal(t, 12, n)

	_, ok = f.Int("d")
	assert.False(t, ok)

	n, ok = f.Int("e")
	assert.True(t, ok)
	assert.Equal(t, 7, n)

	_, ok = f.Int("missing")
	assert.False(t, ok)
}

func TestFields_StringAndBool(t *testing.T) {
	f := Fields{"zip": "60601", "weight": float64(42000), "n": 3, "hazmat": true, "flag": "true"}
	assert.Equal(t, "60601", f.String("zip"))
	assert.Equal(t, "42000", f.String("weight"))
	assert.Equal(t, "3", f.String("n"))
	assert.Equal(t, "", f.String("hazmat"))
	assert.True(t, f.Bool("hazmat"))
	assert.True(t, f.Bool("flag"))
	assert.False(t, f.Bool("zip"))
}

func TestFields_Time(t *testing.T) {
	f := Fields{
		"local": "2025-03-04T08:00:00",
		"zoned": "2025-03-04T08:00:00-06:00",
		"bad":   "next tuesday",
	}

	got, ok := f.Time("local")
	assert.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC), got)

	got, ok = f.Time("zoned")
	assert.True(t, ok)
	assert.Equal(t, 14, got.UTC().Hour())

	_, ok = f.Time("bad")
	assert.False(t, ok)
	_, ok = f.Time("missing")
	assert.False(t, ok)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(float64(0)))
	assert.False(t, Truthy([]any{}))
	assert.False(t, Truthy(map[string]any{}))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(1))
	assert.True(t, Truthy(true))
	assert.True(t, Truthy(struct{}{}))
}
