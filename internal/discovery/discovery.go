// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discovery listens for Tuya devices' periodic UDP broadcasts on
// the two well-known discovery ports and merges what it hears into a
// device table.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/calmh/tuyalocal/internal/codec"
	"github.com/calmh/tuyalocal/internal/devices"
	"github.com/calmh/tuyalocal/internal/events"
	"github.com/calmh/tuyalocal/internal/messages"
	"github.com/calmh/tuyalocal/internal/slogutil"
)

const (
	// PlaintextPort carries unencrypted v3.1 beacons.
	PlaintextPort = 6666
	// EncryptedPort carries AES-ECB-encrypted v3.3+ beacons.
	EncryptedPort = 6667

	maxDatagram = 2048
)

// Listener owns one UDP socket and feeds decoded beacons into a device
// table. Build one per port via NewListener.
type Listener struct {
	name   string
	conn   *net.UDPConn
	secret *codec.Secret // nil for the plaintext port
	table  *devices.Table
	evLog  *events.Logger
}

// NewListener binds a UDP socket on 0.0.0.0:port, decoding with the
// discovery key when encrypted is true. No socket options are set on it
// (SO_BROADCAST is left off). It satisfies the
// thejerf/suture Service interface (a Serve(context.Context) error method)
// so it can be supervised alongside the rest of the daemon.
func NewListener(name string, port int, encrypted bool, table *devices.Table, evLog *events.Logger) (*Listener, error) {
	udpAddr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: binding %s :%d: %w", name, port, err)
	}

	var secret *codec.Secret
	if encrypted {
		secret = &codec.Secret{LocalKey: codec.DiscoveryKey(), ProtocolVersion: "3.3"}
	}

	return &Listener{name: name, conn: conn, secret: secret, table: table, evLog: evLog}, nil
}

// Serve reads datagrams until ctx is cancelled or the socket errors,
// decoding and merging each into the device table. It implements
// thejerf/suture's Service interface.
func (l *Listener) Serve(ctx context.Context) error {
	defer l.conn.Close()

	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("discovery: %s: %w", l.name, err)
		}
		l.handle(buf[:n], src)
	}
}

// handle decodes one datagram and merges it into the table. Malformed or
// undecryptable packets are logged at debug and dropped, never propagated
// as an error - a bad beacon never affects process liveness.
func (l *Listener) handle(raw []byte, src *net.UDPAddr) {
	dec, ok := codec.Decode(raw, l.secret)
	if !ok {
		slog.Debug("discovery: dropping malformed beacon", "listener", l.name, slogutil.Address(src))
		return
	}

	beacon, err := messages.ParseBeacon(dec.Payload)
	if err != nil {
		slog.Debug("discovery: dropping unparseable beacon", "listener", l.name, slogutil.Address(src), slogutil.Error(err))
		return
	}

	now := time.Now()
	idx, isNew := l.table.ApplyBeacon(beacon.GatewayID, beacon.ProductKey, beacon.Version, beacon.Encrypt, src.IP, now)
	if isNew {
		l.evLog.Log(events.DeviceDiscovered, map[string]any{
			"device": beacon.GatewayID,
			"index":  idx,
			"model":  beacon.ProductKey,
			"host":   src.IP.String(),
		})
	}
}
