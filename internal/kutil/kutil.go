// Package kutil contains small generic helpers shared across the kernel
// core. It has no dependencies on any other nexke package so that every
// subsystem, including the ones that run before the allocator exists, can
// import it freely.
package kutil

import "unsafe"

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn reads an n-byte little-endian-native integer out of a at off.
// It panics if the requested region is out of bounds or n is unsupported;
// callers only use it on kernel-internal buffers whose layout is known.
func Readn(a []uint8, n int, off int) int {
	if off < 0 || n <= 0 || off+n > len(a) {
		panic("kutil.Readn: out of bounds")
	}
	p := unsafe.Pointer(&a[off])
	switch n {
	case 8:
		return *(*int)(p)
	case 4:
		return int(*(*int32)(p))
	case 2:
		return int(*(*int16)(p))
	case 1:
		return int(*(*int8)(p))
	default:
		panic("kutil.Readn: unsupported width")
	}
}

// Writen writes the low n bytes of val into a at off.
func Writen(a []uint8, n int, off int, val int) {
	if off < 0 || n <= 0 || off+n > len(a) {
		panic("kutil.Writen: out of bounds")
	}
	p := unsafe.Pointer(&a[off])
	switch n {
	case 8:
		*(*int)(p) = val
	case 4:
		*(*int32)(p) = int32(val)
	case 2:
		*(*int16)(p) = int16(val)
	case 1:
		*(*int8)(p) = int8(val)
	default:
		panic("kutil.Writen: unsupported width")
	}
}
