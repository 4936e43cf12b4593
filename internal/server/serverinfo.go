package server

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net"
)

// ServerInfo is the descriptor returned by /server-info.
type ServerInfo struct {
	DeviceID  string
	Features  uint64
	Model     string
	ProtoVers string
	SrcVers   string
}

const defaultDeviceID = "AA:BB:CC:DD:EE:FF"

// DefaultServerInfo advertises the AirFire receiver identity.
func DefaultServerInfo() ServerInfo {
	return ServerInfo{
		DeviceID:  defaultDeviceID,
		Features:  0x445F8A00,
		Model:     "AirFire1,1",
		ProtoVers: "1.0",
		SrcVers:   "366.0",
	}
}

// DeviceIDFromIP derives a stable pseudo MAC address from the last three
// octets of an IPv4 address. Non-IPv4 input yields the default id.
func DeviceIDFromIP(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return defaultDeviceID
	}
	return fmt.Sprintf("AA:BB:CC:%02X:%02X:%02X", v4[1], v4[2], v4[3])
}

// LocalIPv4 returns the first non-loopback IPv4 interface address, or nil.
func LocalIPv4() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

// Plist renders the descriptor as an XML property list.
func (s ServerInfo) Plist() []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">` + "\n")
	b.WriteString(`<plist version="1.0">` + "\n<dict>\n")
	writeKey(&b, "deviceid", "string", s.DeviceID)
	writeKey(&b, "features", "integer", fmt.Sprintf("%d", s.Features))
	writeKey(&b, "model", "string", s.Model)
	writeKey(&b, "protovers", "string", s.ProtoVers)
	writeKey(&b, "srcvers", "string", s.SrcVers)
	b.WriteString("</dict>\n</plist>\n")
	return b.Bytes()
}

func writeKey(b *bytes.Buffer, key, typ, value string) {
	b.WriteString("    <key>" + key + "</key>\n    <" + typ + ">")
	_ = xml.EscapeText(b, []byte(value))
	b.WriteString("</" + typ + ">\n")
}
