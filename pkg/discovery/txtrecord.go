package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodePLCTXT creates TXT records for a PLC advertisement.
func EncodePLCTXT(info *PLCInfo) TXTRecordMap {
	txt := make(TXTRecordMap)

	txt[TXTKeyRole] = info.Role
	txt[TXTKeyProtocol] = info.Protocol
	txt[TXTKeyRegisters] = strconv.Itoa(info.Registers)

	if info.Identity != "" {
		txt[TXTKeyIdentity] = info.Identity
	}
	if info.Version != "" {
		txt[TXTKeyVersion] = info.Version
	}
	if info.Path != "" {
		txt[TXTKeyPath] = info.Path
	}
	return txt
}

// DecodePLCTXT parses TXT records of a PLC advertisement. Name and Port
// come from the service entry, not the TXT records.
func DecodePLCTXT(txt TXTRecordMap) (*PLCInfo, error) {
	info := &PLCInfo{}

	var ok bool
	if info.Role, ok = txt[TXTKeyRole]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyRole)
	}
	if info.Protocol, ok = txt[TXTKeyProtocol]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyProtocol)
	}
	if _, err := ServiceTypeFor(info.Protocol); err != nil {
		return nil, fmt.Errorf("%w: protocol %q", ErrInvalidTXTRecord, info.Protocol)
	}

	regs, ok := txt[TXTKeyRegisters]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyRegisters)
	}
	n, err := strconv.Atoi(regs)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: register count %q", ErrInvalidTXTRecord, regs)
	}
	info.Registers = n

	info.Identity = txt[TXTKeyIdentity]
	info.Version = txt[TXTKeyVersion]
	info.Path = txt[TXTKeyPath]
	return info, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else if len(parts) == 1 && parts[0] != "" {
			// Key without value (boolean flag)
			txt[parts[0]] = ""
		}
	}
	return txt
}

// InstanceName returns the DNS-SD instance name for a PLC name. Dots are
// replaced since they separate labels.
func InstanceName(name string) (string, error) {
	n := strings.ReplaceAll(strings.TrimSpace(name), ".", "-")
	if n == "" {
		return "", fmt.Errorf("%w: empty name", ErrMissingRequired)
	}
	if len(n) > MaxInstanceNameLen {
		return "", ErrInstanceNameTooLong
	}
	return n, nil
}
