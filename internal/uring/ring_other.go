//go:build !linux

package uring

import "errors"

type cmdRing struct {
	Ring
	sqEntries uint32
}

func newCmdRing(Config) (*cmdRing, error) {
	return nil, errors.New("io_uring requires linux")
}
