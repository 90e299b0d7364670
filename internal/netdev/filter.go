package netdev

import (
	"github.com/mdlayher/ethernet"
	"golang.org/x/net/bpf"
)

// Offsets within an Ethernet frame carrying an IPv4 packet.
const (
	offEtherType = 12
	offIPv4      = 14
	offIPv4Frag  = offIPv4 + 6
	offIPv4Proto = offIPv4 + 9
)

// Offsets within a UDP header.
const (
	offUDPSrcPort = 0
	offUDPDstPort = 2
)

// IANA protocol number of UDP.
const protoUDP = 17

// fragOffsetMask is the mask of the fragment offset within the flags and
// fragment offset field of an IPv4 header.
const fragOffsetMask = 0x1fff

// DHCPv4 ports.
const (
	portServer = 67
	portClient = 68
)

// snapLen is the number of bytes accepted from a matching frame.
const snapLen = 0x40000

// dhcpFilterProgram is the classic BPF program equivalent to the
// "udp and (port 67 or port 68)" expression, applied to unfragmented IPv4
// frames.  The jump offsets are relative to the next instruction.
var dhcpFilterProgram = []bpf.Instruction{
	// 0: ethertype must be IPv4.
	bpf.LoadAbsolute{Off: offEtherType, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(ethernet.EtherTypeIPv4), SkipTrue: 11},
	// 2: protocol must be UDP.
	bpf.LoadAbsolute{Off: offIPv4Proto, Size: 1},
	bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: protoUDP, SkipTrue: 9},
	// 4: only the first fragment carries the UDP header.
	bpf.LoadAbsolute{Off: offIPv4Frag, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: fragOffsetMask, SkipTrue: 7},
	// 6: X is the length of the IPv4 header.
	bpf.LoadMemShift{Off: offIPv4},
	// 7: source port.
	bpf.LoadIndirect{Off: offIPv4 + offUDPSrcPort, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: portServer, SkipTrue: 5},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: portClient, SkipTrue: 4},
	// 10: destination port.
	bpf.LoadIndirect{Off: offIPv4 + offUDPDstPort, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: portServer, SkipTrue: 2},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: portClient, SkipTrue: 1},
	// 13: drop.
	bpf.RetConstant{Val: 0},
	// 14: accept.
	bpf.RetConstant{Val: snapLen},
}

// dhcpFilter returns the assembled [dhcpFilterProgram].
func dhcpFilter() (raw []bpf.RawInstruction, err error) {
	return bpf.Assemble(dhcpFilterProgram)
}
