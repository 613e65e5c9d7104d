// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command tuyactl is a standalone, stateless companion to tuyad: it either
// listens briefly for discovery beacons or performs a single control/query
// exchange against one device, then exits.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/calmh/tuyalocal/internal/codec"
	"github.com/calmh/tuyalocal/internal/discovery"
	"github.com/calmh/tuyalocal/internal/messages"
	"github.com/calmh/tuyalocal/internal/models"
)

const discoveryWindow = 5 * time.Second

func main() {
	app := cli.NewApp()
	app.Name = "tuyactl"
	app.Usage = "discover Tuya devices on the LAN or send them a one-shot command"
	app.UsageText = "tuyactl [discover | host id key [type] on|off|get [version]]"
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tuyactl:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	args := c.Args()
	if len(args) == 0 || args.First() == "discover" {
		return runDiscover()
	}
	return runCommand(args)
}

// runDiscover listens on the UDP discovery ports one after the other -
// the plaintext port for discoveryWindow, then the encrypted port for
// another discoveryWindow - and prints every beacon it decodes. A port is
// not bound until the previous port's window has ended.
func runDiscover() error {
	encSecret := &codec.Secret{LocalKey: codec.DiscoveryKey(), ProtocolVersion: "3.3"}

	found := false
	for _, port := range []struct {
		num    int
		secret *codec.Secret
	}{
		{discovery.PlaintextPort, nil},
		{discovery.EncryptedPort, encSecret},
	} {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port.num})
		if err != nil {
			fmt.Fprintf(os.Stderr, "tuyactl: listen on port %d: %v\n", port.num, err)
			continue
		}
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(discoveryWindow))
		buf := make([]byte, 2048)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				break
			}
			dec, ok := codec.Decode(buf[:n], port.secret)
			if !ok {
				continue
			}
			beacon, err := messages.ParseBeacon(dec.Payload)
			if err != nil {
				continue
			}
			found = true
			fmt.Printf("%s\tgwId=%s\tproductKey=%s\tversion=%s\tencrypt=%v\n",
				src.IP, beacon.GatewayID, beacon.ProductKey, beacon.Version, beacon.Encrypt)
		}
	}
	if !found {
		fmt.Fprintln(os.Stderr, "tuyactl: no devices discovered")
	}
	return nil
}

// runCommand implements the "host id key [type] on|off|get [version]"
// grammar: type defaults to a bulb/light control point (20) when absent,
// and is recognized positionally by matching one of the known type names.
func runCommand(args cli.Args) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: host id key [bulb|light|switch] on|off|get [version]")
	}
	host, id, key := args.Get(0), args.Get(1), args.Get(2)
	rest := args[3:]

	reg := models.NewRegistry(models.Bundled())
	dp := reg.Lookup("light")
	if cp, ok := reg.Model(rest[0]); ok {
		dp = cp.ControlPoint
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return fmt.Errorf("missing on|off|get action")
	}
	action := rest[0]
	version := "3.3"
	if len(rest) > 1 {
		version = rest[1]
	}

	secret := codec.NewSecret(id, key, version)
	now := time.Now()

	var payload []byte
	var code uint32
	switch action {
	case "on", "off":
		payload = messages.Control(id, dp, action == "on", now)
		code = codec.Control
	case "get":
		payload = messages.Query(id, now)
		code = codec.Query
	default:
		return fmt.Errorf("action must be one of on/off/get, got %q", action)
	}

	frame, err := codec.Encode(&secret, code, 1, payload)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:6668", host), 3*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", host, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	dec, ok := codec.Decode(buf[:n], &secret)
	if !ok {
		return fmt.Errorf("decoding response: malformed or undecryptable frame")
	}
	if dec.Code == codec.Status || dec.Code == codec.Query {
		status, err := messages.ParseStatus(dec.Payload)
		if err != nil {
			return fmt.Errorf("parsing status response: %w", err)
		}
		fmt.Printf("dps=%v\n", status.DPS)
		return nil
	}
	fmt.Println("command acknowledged")
	return nil
}
