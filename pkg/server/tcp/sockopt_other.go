// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package tcp

import "syscall"

func reusePort(network, address string, c syscall.RawConn) error {
	return nil
}
