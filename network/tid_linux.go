//go:build linux
// +build linux

package network

import "golang.org/x/sys/unix"

func osThreadID() int { return unix.Gettid() }
