//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package discovery advertises and finds peer devices on the local
// network via mDNS, so that two cloning appliances can find each other
// for a peer-to-peer image transfer without any manual IP entry.
package discovery

import (
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

var log = logrus.WithField("component", "discovery")

// Service manages mDNS publication of this device and discovery of
// peers advertising the same service type.
type Service struct {
	cfg      config.Config
	deviceID string

	server *zeroconf.Server
}

// New creates a discovery Service with a fresh per-boot device ID.
func New(cfg config.Config) *Service {
	return &Service{cfg: cfg, deviceID: uuid.NewString()[:8]}
}

// DeviceID returns this process's per-boot identifier, used to filter
// this device out of its own discovery results.
func (s *Service) DeviceID() string {
	return s.deviceID
}

// StartPublishing advertises this device as available for transfers,
// with TXT records device_id, version, hostname. Call StopPublishing to
// withdraw the advertisement.
func (s *Service) StartPublishing(version string) error {
	if s.server != nil {
		log.Warn("discovery already publishing")
		return nil
	}

	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	localIP, err := localIPv4()
	if err != nil {
		return err
	}

	txt := []string{
		"device_id=" + s.deviceID,
		"version=" + version,
		"hostname=" + hostname,
	}

	serviceType, _ := splitServiceType(s.cfg.MDNSServiceType)
	server, err := zeroconf.RegisterProxy(
		hostname,
		serviceType,
		"local.",
		s.cfg.MDNSPort,
		hostname,
		[]string{localIP},
		txt,
		nil,
	)
	if err != nil {
		return err
	}
	s.server = server
	log.WithFields(logrus.Fields{
		"hostname":  hostname,
		"address":   localIP,
		"port":      s.cfg.MDNSPort,
		"device_id": s.deviceID,
	}).Info("published mDNS service")
	return nil
}

// StopPublishing withdraws the mDNS advertisement, if active.
func (s *Service) StopPublishing() {
	if s.server == nil {
		return
	}
	s.server.Shutdown()
	s.server = nil
}

// BrowsePeers scans for other devices advertising the same service type
// for window, invoking onUpdate (if non-nil) with the current peer list
// each time a peer is discovered, and returns the final list. Removals
// are not reported: a peer that stops advertising during the window
// stays in the list. Peers sharing this device's DeviceID are filtered out.
func (s *Service) BrowsePeers(ctx context.Context, window time.Duration, onUpdate func([]domain.PeerDevice)) ([]domain.PeerDevice, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	peers := map[string]domain.PeerDevice{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			peer, ok := parseServiceEntry(entry)
			if !ok || peer.DeviceID == s.deviceID {
				continue
			}
			peers[entry.Instance] = peer
			log.WithField("peer", peer.Hostname).Info("discovered peer")
			if onUpdate != nil {
				onUpdate(snapshot(peers))
			}
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	serviceType, _ := splitServiceType(s.cfg.MDNSServiceType)
	if err := resolver.Browse(browseCtx, serviceType, "local.", entries); err != nil {
		return nil, err
	}

	<-browseCtx.Done()
	<-done

	result := snapshot(peers)
	log.WithField("count", len(result)).Info("discovery window complete")
	return result, nil
}

func snapshot(peers map[string]domain.PeerDevice) []domain.PeerDevice {
	out := make([]domain.PeerDevice, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	return out
}

func parseServiceEntry(entry *zeroconf.ServiceEntry) (domain.PeerDevice, bool) {
	if len(entry.AddrIPv4) == 0 {
		log.WithField("name", entry.Instance).Warn("peer service has no IPv4 address")
		return domain.PeerDevice{}, false
	}

	txt := map[string]string{}
	for _, kv := range entry.Text {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		txt[parts[0]] = parts[1]
	}

	deviceID := txt["device_id"]
	if deviceID == "" {
		deviceID = "unknown"
	}
	hostname := txt["hostname"]
	if hostname == "" {
		hostname = strings.TrimSuffix(entry.HostName, ".")
	}

	return domain.PeerDevice{
		Hostname:   hostname,
		Address:    entry.AddrIPv4[0].String(),
		Port:       entry.Port,
		DeviceID:   deviceID,
		TxtRecords: txt,
	}, true
}

// localIPv4 determines this host's LAN-facing IPv4 address by dialing a
// well-known address (no packet is ever actually sent for a UDP
// connect), falling back to hostname resolution. A loopback result is
// rejected either way.
func localIPv4() (string, error) {
	if conn, err := net.Dial("udp4", "8.8.8.8:80"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsLoopback() {
			return addr.IP.String(), nil
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", domain.NewDeviceValidationError("unable to determine local hostname for mDNS publication")
	}
	addrs, err := net.LookupIP(hostname)
	if err != nil {
		return "", domain.NewDeviceValidationError("unable to resolve local IP address for mDNS publication")
	}
	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil && !v4.IsLoopback() {
			return v4.String(), nil
		}
	}
	return "", domain.NewDeviceValidationError("no non-loopback IPv4 address available for mDNS publication")
}

// splitServiceType separates a "_service._tcp.local." style string into
// the zeroconf service/domain pair it expects as separate arguments.
func splitServiceType(serviceType string) (service, domainSuffix string) {
	s := strings.TrimSuffix(serviceType, ".local.")
	return s, "local."
}
