package protocol

import "strings"

// Flags is the XA flags bitmask passed to start, end and recover
type Flags int

const (
	TMNoFlags    Flags = 0x00000000
	TMJoin       Flags = 0x00200000
	TMEndRScan   Flags = 0x00800000
	TMStartRScan Flags = 0x01000000
	TMSuspend    Flags = 0x02000000
	TMSuccess    Flags = 0x04000000
	TMResume     Flags = 0x08000000
	TMFail       Flags = 0x20000000
	TMOnePhase   Flags = 0x40000000
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{TMJoin, "TMJOIN"},
	{TMEndRScan, "TMENDRSCAN"},
	{TMStartRScan, "TMSTARTRSCAN"},
	{TMSuspend, "TMSUSPEND"},
	{TMSuccess, "TMSUCCESS"},
	{TMResume, "TMRESUME"},
	{TMFail, "TMFAIL"},
	{TMOnePhase, "TMONEPHASE"},
}

// Has reports whether any bit of mask is set in f.
func (f Flags) Has(mask Flags) bool {
	return f&mask != 0
}

func (f Flags) String() string {
	if f == TMNoFlags {
		return "TMNOFLAGS"
	}
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(names, "|")
}
