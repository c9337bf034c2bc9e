// Package modbus serves the process model as a Modbus TCP slave.
//
// Registers are exposed as holding registers at their configured addresses.
// The table spans addresses 0 through the highest register address plus
// ten; addresses without a register read as zero and reject writes.
//
// Supported function codes:
//
//	0x03  Read Holding Registers     quantity 1..125
//	0x06  Write Single Register
//	0x10  Write Multiple Registers   quantity 1..123, all or nothing
//	0x2B  Encapsulated Interface     MEI 0x0E Read Device Identification
//
// Values are converted by truncating toward zero. Negative values are sent
// as two's complement and out-of-range values saturate at -32768 and 65535.
// Written registers are interpreted as unsigned.
//
// Every unit identifier is answered from the same table.
package modbus
