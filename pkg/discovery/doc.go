// Package discovery advertises a running simulator over mDNS/DNS-SD.
//
// Each protocol front-end uses its own service type:
//
//	_modbus._tcp     Modbus TCP
//	_opcua-tcp._tcp  OPC UA binary (opc.tcp)
//	_enip._tcp       EtherNet/IP explicit messaging
//
// The instance name is the PLC name. TXT records carry the role, the
// protocol, the register count and the deployment identity so lab tooling
// can find controllers without a static inventory.
//
// Advertisement is optional and off by default; a cyber range normally
// pins addresses in its topology.
package discovery
