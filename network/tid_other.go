//go:build !linux
// +build !linux

package network

func osThreadID() int { return -1 }
