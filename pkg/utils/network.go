// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// minThroughputBytesPerSecond is the slowest transfer rate (4KB/s) a client
// may sustain before its deadlines stop being extended.
const minThroughputBytesPerSecond = 4000

// graceTimeCapMultiplier caps the extra write deadline granted after an
// idle gap at 3x the scaled base timeout.
const graceTimeCapMultiplier = 3

// Listener wraps a net.Listener and carries the timeout parameters applied
// to every accepted connection.
type Listener struct {
	net.Listener
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &Conn{
		Conn:         c,
		ReadTimeout:  l.ReadTimeout,
		WriteTimeout: l.WriteTimeout,
	}, nil
}

// Conn wraps a net.Conn and refreshes the deadline on every read and write.
// Deadlines scale with the amount of data already transferred so that large
// block uploads on slow links are not cut off mid-transfer.
type Conn struct {
	net.Conn
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	isClosed     bool
	bytesRead    int64
	bytesWritten int64
	lastWrite    time.Time
}

// bytesPerTimeout is the number of bytes a client meeting the minimum
// throughput transfers during one timeout period. Never returns zero.
func bytesPerTimeout(timeout time.Duration) int64 {
	n := int64(float64(minThroughputBytesPerSecond) * timeout.Seconds())
	if n <= 0 {
		return 1
	}
	return n
}

func (c *Conn) Read(b []byte) (count int, e error) {
	if c.ReadTimeout != 0 {
		multiplier := time.Duration(c.bytesRead/bytesPerTimeout(c.ReadTimeout) + 1)
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.ReadTimeout * multiplier)); err != nil {
			return 0, err
		}
	}
	count, e = c.Conn.Read(b)
	if e == nil {
		c.bytesRead += int64(count)
	}
	return
}

func (c *Conn) Write(b []byte) (count int, e error) {
	if c.WriteTimeout != 0 {
		now := time.Now()
		multiplier := time.Duration(c.bytesWritten/bytesPerTimeout(c.WriteTimeout) + 1)
		timeout := c.WriteTimeout * multiplier

		// A gap since the last write usually means the server was waiting on
		// a block fetch. Grant extra time for it, capped so a stalled client
		// cannot hold the connection forever.
		if !c.lastWrite.IsZero() {
			if idle := now.Sub(c.lastWrite); idle > c.WriteTimeout {
				grace := idle
				if grace > timeout*graceTimeCapMultiplier {
					grace = timeout * graceTimeCapMultiplier
				}
				timeout += grace
			}
		}

		if err := c.Conn.SetWriteDeadline(now.Add(timeout)); err != nil {
			return 0, err
		}
	}
	count, e = c.Conn.Write(b)
	if e == nil {
		c.bytesWritten += int64(count)
		c.lastWrite = time.Now()
	}
	return
}

func (c *Conn) Close() error {
	err := c.Conn.Close()
	if err == nil && !c.isClosed {
		c.isClosed = true
	}
	return err
}

func NewListener(addr string, timeout time.Duration) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		Listener:     listener,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}, nil
}

func JoinHostPort(host string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + portStr
	}
	return net.JoinHostPort(host, portStr)
}
