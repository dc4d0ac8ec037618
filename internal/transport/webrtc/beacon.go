package webrtc

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"google.golang.org/protobuf/encoding/protowire"
)

// beaconGroup is the site-local multicast group beacons are sent to.
var beaconGroup = net.IPv4(239, 255, 77, 77)

// beacon is multicast over UDP by advertising endpoints.
type beacon struct {
	Service    string
	EndpointID string
	Info       []byte
	SignalPort int
}

func (b beacon) marshal() []byte {
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendString(out, b.Service)
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendString(out, b.EndpointID)
	out = protowire.AppendTag(out, 3, protowire.BytesType)
	out = protowire.AppendBytes(out, b.Info)
	out = protowire.AppendTag(out, 4, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(b.SignalPort))
	return out
}

func parseBeacon(data []byte) (beacon, error) {
	var b beacon
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return beacon{}, errBadFrame
		}
		data = data[n:]

		switch {
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return beacon{}, errBadFrame
			}
			b.SignalPort = int(v)
			data = data[n:]
		case num >= 1 && num <= 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return beacon{}, errBadFrame
			}
			data = data[n:]
			switch num {
			case 1:
				b.Service = string(v)
			case 2:
				b.EndpointID = string(v)
			case 3:
				b.Info = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return beacon{}, errBadFrame
			}
			data = data[n:]
		}
	}

	if b.EndpointID == "" || b.SignalPort <= 0 || b.SignalPort > 65535 {
		return beacon{}, fmt.Errorf("%w: incomplete beacon", errBadFrame)
	}
	return b, nil
}

type endpoint struct {
	info     []byte
	addr     string
	lastSeen time.Time
}

// endpointTable remembers discovered endpoints until they stay silent for
// longer than ttl.
type endpointTable struct {
	ttl   time.Duration
	items map[string]*endpoint
}

func newEndpointTable(ttl time.Duration) *endpointTable {
	return &endpointTable{ttl: ttl, items: make(map[string]*endpoint)}
}

// observe records a beacon and reports whether the endpoint is new, or
// came back with different info.
func (t *endpointTable) observe(id string, info []byte, addr string, now time.Time) bool {
	ep, ok := t.items[id]
	if !ok {
		t.items[id] = &endpoint{info: info, addr: addr, lastSeen: now}
		return true
	}
	changed := !bytes.Equal(ep.info, info)
	ep.info = info
	ep.addr = addr
	ep.lastSeen = now
	return changed
}

func (t *endpointTable) lookup(id string) (*endpoint, bool) {
	ep, ok := t.items[id]
	return ep, ok
}

// expire drops endpoints not seen since now-ttl and returns their ids.
func (t *endpointTable) expire(now time.Time) []string {
	var lost []string
	for id, ep := range t.items {
		if now.Sub(ep.lastSeen) > t.ttl {
			delete(t.items, id)
			lost = append(lost, id)
		}
	}
	sort.Strings(lost)
	return lost
}

func signalAddr(from *net.UDPAddr, port int) string {
	return net.JoinHostPort(from.IP.String(), strconv.Itoa(port))
}

// joinBeaconGroup subscribes conn to the beacon group on every multicast
// capable interface. Unicast beacons still arrive when no join succeeds.
func joinBeaconGroup(conn *net.UDPConn, log *logrus.Logger) {
	pc := ipv4.NewPacketConn(conn)
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warnf("Failed to list interfaces: %v", err)
		return
	}

	joined := 0
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: beaconGroup}); err != nil {
			log.Debugf("Failed to join %s on %s: %v", beaconGroup, iface.Name, err)
			continue
		}
		joined++
	}
	if joined == 0 {
		log.Warnf("Not subscribed to %s on any interface", beaconGroup)
	}
}

// dialBeaconGroup opens the socket advertisers send beacons on.
func dialBeaconGroup(port int) (*net.UDPConn, error) {
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: beaconGroup, Port: port})
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(1); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
