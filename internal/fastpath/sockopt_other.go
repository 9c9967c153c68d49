//go:build !linux

// Package fastpath — sockopt_other.go
//
// Non-Linux fallback: no socket tuning. The protocol still works with
// default buffers; only burst headroom and DSCP marking are lost.

package fastpath

import "syscall"

func controlRecvSocket(network, address string, c syscall.RawConn) error { return nil }

func controlSendSocket(network, address string, c syscall.RawConn) error { return nil }
