//go:build !unix

package vm

func osStackSize() int { return defaultStackSize }
