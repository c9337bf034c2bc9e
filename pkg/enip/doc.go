// Package enip serves the process model as an EtherNet/IP adapter with
// Logix-style symbolic tag access.
//
// Every register becomes one REAL tag. Tag names are the register names
// with every character outside [A-Za-z0-9_] replaced by '_' and a leading
// '_' added when the name starts with a digit. Lookups ignore case.
//
// Clients read a tag cache that Publish refreshes once per process tick in a
// single batch. Writes to tags backed by writable registers go straight to
// the process model and into the cache.
//
// # Encapsulation
//
//	NOP                 0x0000
//	ListServices        0x0004
//	ListIdentity        0x0063
//	ListInterfaces      0x0064
//	RegisterSession     0x0065
//	UnRegisterSession   0x0066
//	SendRRData          0x006F   unconnected messaging
//	SendUnitData        0x0070   connected messaging
//
// # CIP services
//
//	0x01  Get_Attributes_All        Identity object
//	0x0E  Get_Attribute_Single      Identity object
//	0x0A  Multiple_Service_Packet   Message Router
//	0x4C  Read Tag
//	0x4D  Write Tag
//	0x52  Read Tag Fragmented       symbolic path
//	0x52  Unconnected Send          Connection Manager
//	0x54  Forward Open              Connection Manager
//	0x5B  Large Forward Open        Connection Manager
//	0x4E  Forward Close             Connection Manager
package enip
